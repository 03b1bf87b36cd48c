package relay

import "strings"

// DefaultFlowIndicators are the phrases the agent runtime uses when it hands
// a request off to an asynchronous flow.
var DefaultFlowIndicators = []string{
	"a new flow has started",
	"flow and will resume",
	"dedicated to the flow",
	"currently dedicated to",
}

// FlowDetector classifies assistant text as a flow hand-off notice.
//
// Classification is best effort: text that is not recognised as a notice is
// treated as a real answer, so a status update phrased differently from the
// known notices will be delivered as the flow result.
type FlowDetector interface {
	IsFlowMessage(text string) bool
}

// FlowDetectorFunc adapts a function to FlowDetector.
type FlowDetectorFunc func(text string) bool

// IsFlowMessage calls f(text).
func (f FlowDetectorFunc) IsFlowMessage(text string) bool {
	return f(text)
}

// PhraseDetector matches case-insensitive substrings.
type PhraseDetector struct {
	phrases []string
}

// NewPhraseDetector creates a detector for phrases. Blank phrases are ignored.
func NewPhraseDetector(phrases ...string) *PhraseDetector {
	d := &PhraseDetector{}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			d.phrases = append(d.phrases, p)
		}
	}
	return d
}

// IsFlowMessage reports whether text contains one of the phrases.
func (d *PhraseDetector) IsFlowMessage(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range d.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
