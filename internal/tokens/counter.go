// Package tokens estimates how many tokens a piece of relayed text used.
// The counts feed the run journal and are informational only.
package tokens

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with a tiktoken encoding. The codec is loaded on
// first use; if it cannot be loaded the fallback is used instead.
type TiktokenCounter struct {
	encoding tokenizer.Encoding
	fallback Counter
	logger   *slog.Logger

	once    sync.Once
	codec   tokenizer.Codec
	loadErr error
}

// NewTiktokenCounter creates a counter for the cl100k_base encoding that
// falls back to an Estimator.
func NewTiktokenCounter(logger *slog.Logger) *TiktokenCounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TiktokenCounter{
		encoding: tokenizer.Cl100kBase,
		fallback: NewEstimator(),
		logger:   logger,
	}
}

func (c *TiktokenCounter) load() {
	c.codec, c.loadErr = tokenizer.Get(c.encoding)
	if c.loadErr != nil {
		c.loadErr = fmt.Errorf("failed to get tokenizer encoding: %w", c.loadErr)
		c.logger.Warn("token counting falls back to estimation", slog.String("error", c.loadErr.Error()))
	}
}

// Count returns the token count of text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(c.load)
	if c.loadErr != nil {
		return c.fallback.Count(text)
	}

	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return c.fallback.Count(text)
	}
	return len(ids)
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// Count estimates the token count, rounding up.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	per := e.CharsPerToken
	if per <= 0 {
		per = 4.0
	}
	return int(math.Ceil(float64(len(text)) / per))
}
