package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/agencyos/dispatch/internal/content"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// Cost charged against the lead's lifetime budget for one model
// classification.
const classifyCostUSD = 0.01

// Classifier resolves inbound reply intent: a keyword pass first, the
// model only for messages the keywords cannot place, and only while the
// lead's lifetime budget lasts.
type Classifier struct {
	model   content.ModelClient
	modelID string
	spend   *content.SpendLedger
}

// NewClassifier creates a classifier. model may be nil; ambiguous
// replies then default to question.
func NewClassifier(model content.ModelClient, modelID string, spend *content.SpendLedger) *Classifier {
	if modelID == "" {
		modelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	return &Classifier{model: model, modelID: modelID, spend: spend}
}

// Classify returns the intent verdict for one inbound reply.
func (c *Classifier) Classify(ctx context.Context, leadID, text string) domain.Classification {
	if cls, ok := classifyKeywords(text); ok {
		return cls
	}
	if c.model == nil {
		return fallbackClassification()
	}
	if err := c.spend.TryCharge(ctx, leadID, classifyCostUSD); err != nil {
		if !errors.Is(err, content.ErrSpendCapReached) {
			logger.Warn("classification charge failed", "lead", leadID, "error", err.Error())
		}
		return fallbackClassification()
	}
	cls, err := c.classifyModel(ctx, text)
	if err != nil {
		logger.Warn("model classification failed", "lead", leadID, "error", err.Error())
		return fallbackClassification()
	}
	return cls
}

// fallbackClassification routes the reply to a human: question pauses
// the sequence without any destructive action.
func fallbackClassification() domain.Classification {
	return domain.Classification{Intent: domain.IntentQuestion, Confidence: 0.5}
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	// "back on March 9", "until 2026-03-09", "returning April 2nd"
	returnMonthDay = regexp.MustCompile(`(?i)(?:back|return(?:ing)?|until)\s+(?:on\s+)?(January|February|March|April|May|June|July|August|September|October|November|December)\s+(\d{1,2})`)
	returnISODate  = regexp.MustCompile(`(?i)(?:back|return(?:ing)?|until)\s+(?:on\s+)?(\d{4}-\d{2}-\d{2})`)
)

type keywordRule struct {
	intent     domain.Intent
	confidence float64
	phrases    []string
}

// Order matters: destructive intents are matched before friendly ones
// so "not interested, thanks" never reads as positive.
var keywordRules = []keywordRule{
	{domain.IntentAngry, 0.95, []string{
		"stop spamming", "this is harassment", "reported you", "report you",
		"my lawyer", "cease and desist",
	}},
	{domain.IntentOutOfOffice, 0.95, []string{
		"out of office", "out of the office", "annual leave", "on vacation",
		"parental leave", "maternity leave", "automatic reply",
	}},
	{domain.IntentNotInterested, 0.9, []string{
		"not interested", "no thanks", "no thank you", "unsubscribe",
		"remove me", "take me off", "stop contacting", "don't contact",
		"do not contact",
	}},
	{domain.IntentWrongPerson, 0.9, []string{
		"wrong person", "not the right person", "no longer with",
		"no longer at", "doesn't work here", "does not work here",
		"left the company",
	}},
	{domain.IntentReferral, 0.85, []string{
		"reach out to", "you should contact", "better person to",
		"forward this to", "the right person is",
	}},
	{domain.IntentMeetingInterest, 0.9, []string{
		"let's schedule", "book a call", "book a meeting", "set up a call",
		"set up a meeting", "send me your calendar", "calendar link",
		"happy to chat", "let's talk", "grab some time",
	}},
	{domain.IntentQuestion, 0.8, []string{
		"how much", "what's the pricing", "what is the pricing",
		"how does it work", "do you integrate", "can you share",
	}},
	{domain.IntentPositiveEngagement, 0.75, []string{
		"sounds interesting", "tell me more", "sounds good",
		"keep me posted", "circle back",
	}},
}

func classifyKeywords(text string) (domain.Classification, bool) {
	lower := strings.ToLower(text)
	for _, rule := range keywordRules {
		for _, phrase := range rule.phrases {
			if !strings.Contains(lower, phrase) {
				continue
			}
			cls := domain.Classification{Intent: rule.intent, Confidence: rule.confidence}
			switch rule.intent {
			case domain.IntentOutOfOffice:
				cls.ReturnDate = parseReturnDate(text)
			case domain.IntentReferral:
				if m := emailPattern.FindString(text); m != "" {
					cls.ReferralEmail = strings.ToLower(m)
				}
			}
			return cls, true
		}
	}
	return domain.Classification{}, false
}

// parseReturnDate extracts a return date from an out-of-office body.
// Dates without a year roll into next year when already past.
func parseReturnDate(text string) *time.Time {
	if m := returnISODate.FindStringSubmatch(text); m != nil {
		if t, err := time.Parse("2006-01-02", m[1]); err == nil {
			return &t
		}
	}
	if m := returnMonthDay.FindStringSubmatch(text); m != nil {
		now := time.Now()
		if t, err := time.Parse("January 2 2006", fmt.Sprintf("%s %s %d", m[1], m[2], now.Year())); err == nil {
			if t.Before(now) {
				t = t.AddDate(1, 0, 0)
			}
			return &t
		}
	}
	return nil
}

type modelVerdict struct {
	Intent        string  `json:"intent"`
	Confidence    float64 `json:"confidence"`
	ReturnDate    string  `json:"return_date,omitempty"`
	ReferralName  string  `json:"referral_name,omitempty"`
	ReferralEmail string  `json:"referral_email,omitempty"`
}

var validIntents = map[string]domain.Intent{
	"meeting_interest":    domain.IntentMeetingInterest,
	"question":            domain.IntentQuestion,
	"positive_engagement": domain.IntentPositiveEngagement,
	"not_interested":      domain.IntentNotInterested,
	"out_of_office":       domain.IntentOutOfOffice,
	"wrong_person":        domain.IntentWrongPerson,
	"referral":            domain.IntentReferral,
	"angry_or_complaint":  domain.IntentAngry,
}

func (c *Classifier) classifyModel(ctx context.Context, text string) (domain.Classification, error) {
	prompt := "Classify this reply to an outbound sales message. Respond with only a JSON " +
		`object: {"intent": one of [meeting_interest, question, positive_engagement, ` +
		`not_interested, out_of_office, wrong_person, referral, angry_or_complaint], ` +
		`"confidence": 0-1, "return_date": "YYYY-MM-DD" if out of office, ` +
		`"referral_name" and "referral_email" if a referral}.` + "\n\nReply:\n" + text

	body, err := json.Marshal(map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        200,
		"messages": []map[string]interface{}{{
			"role":    "user",
			"content": []map[string]string{{"type": "text", "text": prompt}},
		}},
	})
	if err != nil {
		return domain.Classification{}, err
	}

	out, err := c.model.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(c.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return domain.Classification{}, fmt.Errorf("invoke model: %w", err)
	}

	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return domain.Classification{}, err
	}
	if len(resp.Content) == 0 {
		return domain.Classification{}, errors.New("empty model response")
	}

	var verdict modelVerdict
	raw := strings.TrimSpace(resp.Content[0].Text)
	if i := strings.Index(raw, "{"); i >= 0 {
		raw = raw[i:]
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return domain.Classification{}, fmt.Errorf("parse verdict: %w", err)
	}

	intent, ok := validIntents[verdict.Intent]
	if !ok {
		return domain.Classification{}, fmt.Errorf("unknown intent %q", verdict.Intent)
	}
	cls := domain.Classification{Intent: intent, Confidence: verdict.Confidence}
	if verdict.ReturnDate != "" {
		if t, err := time.Parse("2006-01-02", verdict.ReturnDate); err == nil {
			cls.ReturnDate = &t
		}
	}
	cls.ReferralName = verdict.ReferralName
	cls.ReferralEmail = strings.ToLower(verdict.ReferralEmail)
	return cls, nil
}
