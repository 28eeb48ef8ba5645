package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// Score floor for routing a send through the SDK-enhanced path.
const enhancedScoreFloor = 85

// Estimated cost of one enhanced generation, charged against the
// lead's lifetime budget before the call.
const enhancedCallCostUSD = 0.02

// TemplateStore resolves a campaign step's template reference.
type TemplateStore interface {
	Get(ctx context.Context, ref string) (*Template, error)
}

// ModelClient is the Bedrock surface the generator needs.
type ModelClient interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, opts ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Generator selects and produces message content for a send.
type Generator struct {
	templates TemplateStore
	renderer  *Renderer
	model     ModelClient
	modelID   string
	spend     *SpendLedger
	archive   *Archiver
}

// NewGenerator wires the content pipeline. model may be nil; every send
// then takes the template path.
func NewGenerator(templates TemplateStore, model ModelClient, modelID string,
	spend *SpendLedger, archive *Archiver) *Generator {
	if modelID == "" {
		modelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	return &Generator{
		templates: templates,
		renderer:  NewRenderer(),
		model:     model,
		modelID:   modelID,
		spend:     spend,
		archive:   archive,
	}
}

// Request carries the send context the generator personalizes against.
type Request struct {
	Lead       *domain.Lead
	Tenant     *domain.Tenant
	Assignment *domain.Assignment
	Step       domain.SequenceStep
}

// Generate produces the content snapshot for a send. Hot leads route
// through the model when the lifetime budget allows; everyone else gets
// the rendered template. Model failures degrade to the template path.
func (g *Generator) Generate(ctx context.Context, req Request) (domain.ContentSnapshot, error) {
	tpl, err := g.templates.Get(ctx, req.Step.TemplateRef)
	if err != nil {
		return domain.ContentSnapshot{}, fmt.Errorf("resolve template %s: %w", req.Step.TemplateRef, err)
	}

	bindings := Bindings(req.Lead, req.Tenant, req.Assignment)
	subject, body, err := g.renderer.Render(tpl, bindings)
	if err != nil {
		return domain.ContentSnapshot{}, err
	}

	snapshot := domain.ContentSnapshot{
		Subject:     subject,
		Body:        body,
		TemplateRef: tpl.Ref,
	}

	if g.model != nil && req.Assignment.Score >= enhancedScoreFloor {
		if enhanced, err := g.enhance(ctx, req, subject, body); err == nil {
			snapshot.Body = enhanced
			snapshot.ModelRef = g.modelID
		} else if !errors.Is(err, ErrSpendCapReached) {
			logger.Warn("enhanced generation failed, using template",
				"lead", req.Lead.ID, "error", err.Error())
		}
	}

	if g.archive != nil {
		if err := g.archive.MaybeArchive(ctx, req.Assignment.ID, &snapshot); err != nil {
			logger.Warn("snapshot archive failed", "assignment", req.Assignment.ID, "error", err.Error())
		}
	}
	return snapshot, nil
}

type modelRequest struct {
	AnthropicVersion string         `json:"anthropic_version"`
	MaxTokens        int            `json:"max_tokens"`
	System           string         `json:"system,omitempty"`
	Messages         []modelMessage `json:"messages"`
	Temperature      float64        `json:"temperature,omitempty"`
}

type modelMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type modelResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// enhance rewrites the rendered draft for a hot lead. The charge lands
// before the call so a crash cannot produce unbudgeted spend.
func (g *Generator) enhance(ctx context.Context, req Request, subject, draft string) (string, error) {
	if err := g.spend.TryCharge(ctx, req.Lead.ID, enhancedCallCostUSD); err != nil {
		return "", err
	}

	prompt := buildEnhancePrompt(req, subject, draft)
	body, err := json.Marshal(modelRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        1000,
		System: "You rewrite outbound sales messages. Keep the sender's intent and call " +
			"to action, personalize from the prospect facts given, and stay under 120 words. " +
			"Return only the message body.",
		Messages: []modelMessage{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: prompt}},
		}},
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}

	out, err := g.model.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(g.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("invoke model: %w", err)
	}

	var resp modelResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", fmt.Errorf("parse model response: %w", err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", errors.New("empty model response")
	}
	return strings.TrimSpace(text.String()), nil
}

func buildEnhancePrompt(req Request, subject, draft string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prospect: %s %s, %s at %s.\n",
		req.Lead.FirstName, req.Lead.LastName, req.Lead.Title, req.Lead.Firmographics.CompanyName)
	if len(req.Lead.Firmographics.NewsSignals) > 0 {
		fmt.Fprintf(&b, "Recent news: %s.\n", strings.Join(req.Lead.Firmographics.NewsSignals, "; "))
	}
	if len(req.Assignment.Hooks) > 0 {
		fmt.Fprintf(&b, "Hook: %s.\n", req.Assignment.Hooks[0])
	}
	if subject != "" {
		fmt.Fprintf(&b, "Subject line: %s\n", subject)
	}
	fmt.Fprintf(&b, "\nDraft:\n%s", draft)
	return b.String()
}
