// Package content produces the message artifact for a send: template
// rendering with lead personalization, an SDK-enhanced path for hot
// leads under a lifetime cost cap, and external archival of oversized
// bodies.
package content

import (
	"fmt"
	"strings"

	"github.com/osteele/liquid"

	"github.com/agencyos/dispatch/internal/domain"
)

// Template is one stored message template. Subject only applies to
// email.
type Template struct {
	Ref     string
	Channel domain.Channel
	Subject string
	Body    string
}

// Renderer renders liquid templates against lead bindings.
type Renderer struct {
	engine *liquid.Engine
}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Bindings assembles template variables from the send context. Hooks and
// openers come from the assignment's personalization artifacts.
func Bindings(lead *domain.Lead, tenant *domain.Tenant, a *domain.Assignment) map[string]interface{} {
	b := map[string]interface{}{
		"first_name":   lead.FirstName,
		"last_name":    lead.LastName,
		"title":        lead.Title,
		"company":      lead.Firmographics.CompanyName,
		"industry":     lead.Firmographics.Industry,
		"tenant_name":  tenant.Name,
		"news_signals": lead.Firmographics.NewsSignals,
	}
	if len(a.Hooks) > 0 {
		b["hook"] = a.Hooks[0]
	}
	if len(a.Openers) > 0 {
		b["opener"] = a.Openers[0]
	}
	return b
}

// Render produces the final subject and body for a template.
func (r *Renderer) Render(tpl *Template, bindings map[string]interface{}) (subject, body string, err error) {
	body, err = r.engine.ParseAndRenderString(tpl.Body, bindings)
	if err != nil {
		return "", "", fmt.Errorf("render body %s: %w", tpl.Ref, err)
	}
	if tpl.Subject != "" {
		subject, err = r.engine.ParseAndRenderString(tpl.Subject, bindings)
		if err != nil {
			return "", "", fmt.Errorf("render subject %s: %w", tpl.Ref, err)
		}
	}
	return strings.TrimSpace(subject), strings.TrimSpace(body), nil
}
