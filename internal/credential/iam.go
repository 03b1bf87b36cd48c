package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/agent-relay/internal/domain"
)

const (
	// DefaultIAMURL is the IBM Cloud identity token endpoint.
	DefaultIAMURL = "https://iam.cloud.ibm.com/identity/token"

	apiKeyGrantType = "urn:ibm:params:oauth:grant-type:apikey"

	maxTokenResponseBytes = 64 * 1024
)

// IAMOption configures an IAMExchanger.
type IAMOption func(*IAMExchanger)

// WithIAMURL sets the identity endpoint.
func WithIAMURL(u string) IAMOption {
	return func(e *IAMExchanger) {
		e.url = u
	}
}

// WithHTTPClient sets the HTTP client used for the exchange.
func WithHTTPClient(client *http.Client) IAMOption {
	return func(e *IAMExchanger) {
		e.httpClient = client
	}
}

// WithIAMClock replaces time.Now when the endpoint answers with a relative
// lifetime instead of an absolute expiry.
func WithIAMClock(now func() time.Time) IAMOption {
	return func(e *IAMExchanger) {
		e.now = now
	}
}

// IAMExchanger trades an API key for a bearer token.
type IAMExchanger struct {
	url        string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

// NewIAMExchanger creates an exchanger for apiKey.
func NewIAMExchanger(apiKey string, opts ...IAMOption) *IAMExchanger {
	e := &IAMExchanger{
		url:        DefaultIAMURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Exchange performs the form-encoded API key exchange.
func (e *IAMExchanger) Exchange(ctx context.Context) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", apiKeyGrantType)
	form.Set("apikey", e.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, domain.ErrAuth("failed to create credential request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Credential{}, domain.ErrAuth("credential endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return Credential{}, domain.ErrAuth("failed to read credential response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, domain.ErrAuth(fmt.Sprintf("credential exchange failed (status %d)", resp.StatusCode)).
			WithStatusCode(resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return Credential{}, domain.ErrAuth("malformed credential response")
	}
	root := gjson.ParseBytes(body)

	token := root.Get("access_token").String()
	if token == "" {
		return Credential{}, domain.ErrAuth("credential response has no access_token")
	}

	var expiresAt time.Time
	switch {
	case root.Get("expiration").Int() > 0:
		expiresAt = time.Unix(root.Get("expiration").Int(), 0)
	case root.Get("expires_in").Int() > 0:
		expiresAt = e.now().Add(time.Duration(root.Get("expires_in").Int()) * time.Second)
	default:
		return Credential{}, domain.ErrAuth("credential response has no expiry")
	}

	return Credential{Token: token, ExpiresAt: expiresAt}, nil
}
