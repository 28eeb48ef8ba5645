package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/httpretry"
)

// Result is one provider's answer for a lead. Confidence is the
// provider's own estimate; the waterfall never lets a lower-confidence
// value overwrite a higher one.
type Result struct {
	Email       string             `json:"email,omitempty"`
	EmailStatus domain.EmailStatus `json:"email_status,omitempty"`
	FirstName   string             `json:"first_name,omitempty"`
	LastName    string             `json:"last_name,omitempty"`
	Title       string             `json:"title,omitempty"`
	Phone       string             `json:"phone,omitempty"`
	LinkedInURL string             `json:"linkedin_url,omitempty"`

	Firmographics domain.Firmographics `json:"firmographics"`
	Confidence    float64              `json:"confidence"`
}

// Provider is one external enrichment source.
type Provider interface {
	Name() string
	Enrich(ctx context.Context, lead *domain.Lead) (*Result, error)
}

// lookupRequest is the wire shape sent to HTTP enrichment providers.
// Lookup order on the provider side: email, then LinkedIn URL, then
// (name, company domain).
type lookupRequest struct {
	Email         string `json:"email,omitempty"`
	LinkedInURL   string `json:"linkedin_url,omitempty"`
	FirstName     string `json:"first_name,omitempty"`
	LastName      string `json:"last_name,omitempty"`
	CompanyDomain string `json:"company_domain,omitempty"`
}

// HTTPProvider calls a JSON enrichment API behind a retrying client and
// a circuit breaker. A tripped breaker fails fast so the waterfall falls
// through to the next tier without burning the tier timeout.
type HTTPProvider struct {
	name    string
	url     string
	apiKey  string
	client  httpretry.HTTPDoer
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPProvider creates a provider against one enrichment endpoint.
func NewHTTPProvider(name, url, apiKey string, client httpretry.HTTPDoer) *HTTPProvider {
	if client == nil {
		client = httpretry.NewRetryClient(nil, 2)
	}
	return &HTTPProvider{
		name:   name,
		url:    url,
		apiKey: apiKey,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Enrich(ctx context.Context, lead *domain.Lead) (*Result, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.call(ctx, lead)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Result), nil
}

func (p *HTTPProvider) call(ctx context.Context, lead *domain.Lead) (*Result, error) {
	body, err := json.Marshal(lookupRequest{
		Email:         lead.Email,
		LinkedInURL:   lead.LinkedInURL,
		FirstName:     lead.FirstName,
		LastName:      lead.LastName,
		CompanyDomain: lead.Firmographics.CompanyDomain,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Result{Confidence: 0}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", p.name, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", p.name, err)
	}
	return &result, nil
}
