// Package pattern runs the four offline conversion detectors (WHO,
// WHAT, WHEN, HOW) over a tenant's outcome history and stores the
// learned lifts for the scorer, allocator, and scheduler to consume.
package pattern

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agencyos/dispatch/internal/config"
	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/leadpool"
	"github.com/agencyos/dispatch/internal/metrics"
	"github.com/agencyos/dispatch/internal/repository/postgres"
)

// lookback is how much outcome history one detector run considers.
const lookback = 90 * 24 * time.Hour

// OutcomeStore supplies finished assignments joined with lead facts.
type OutcomeStore interface {
	TerminalOutcomes(ctx context.Context, tenantID string, since time.Time) ([]postgres.OutcomeRow, error)
}

// ActivityStore supplies the send/reply event stream.
type ActivityStore interface {
	SentForOutcomes(ctx context.Context, tenantID string, since time.Time) ([]domain.Activity, error)
}

// RecordStore persists detector output.
type RecordStore interface {
	Get(ctx context.Context, tenantID string, kind domain.PatternKind) (*domain.PatternRecord, error)
	Put(ctx context.Context, record *domain.PatternRecord) error
}

// Detector computes a tenant's pattern records. Records are overwritten
// wholesale on each run; there is no incremental update.
type Detector struct {
	outcomes   OutcomeStore
	activities ActivityStore
	store      RecordStore
	minSample  int
}

// NewDetector wires the detector set.
func NewDetector(outcomes OutcomeStore, activities ActivityStore, store RecordStore,
	cfg config.PatternConfig) *Detector {
	return &Detector{
		outcomes:   outcomes,
		activities: activities,
		store:      store,
		minSample:  cfg.MinSample,
	}
}

// RunTenant recomputes and stores all four records for one tenant.
func (d *Detector) RunTenant(ctx context.Context, tenantID string, now time.Time) error {
	since := now.Add(-lookback)

	rows, err := d.outcomes.TerminalOutcomes(ctx, tenantID, since)
	if err != nil {
		return fmt.Errorf("load outcomes: %w", err)
	}
	acts, err := d.activities.SentForOutcomes(ctx, tenantID, since)
	if err != nil {
		return fmt.Errorf("load activities: %w", err)
	}

	records := []*domain.PatternRecord{
		d.detectWho(rows),
		d.detectWhat(acts),
		d.detectWhen(acts),
		d.detectHow(acts),
	}
	for _, rec := range records {
		rec.TenantID = tenantID
		rec.ComputedAt = now
		if err := d.store.Put(ctx, rec); err != nil {
			return fmt.Errorf("store %s record: %w", rec.Kind, err)
		}
		metrics.PatternRunsTotal.WithLabelValues(string(rec.Kind)).Inc()
	}
	return nil
}

// tally accumulates one segment's denominator and conversions.
type tally struct {
	total     int
	converted int
}

// detectWho stratifies terminal outcomes by lead firmographic segment.
// A conversion is an assignment released as converted; every other
// terminal status counts against the segment.
func (d *Detector) detectWho(rows []postgres.OutcomeRow) *domain.PatternRecord {
	counts := map[string]*tally{}
	overall := tally{}
	for i := range rows {
		converted := rows[i].Status == domain.AssignmentConverted
		overall.total++
		if converted {
			overall.converted++
		}
		for _, feat := range leadpool.LeadFeatures(&rows[i].Lead) {
			bump(counts, feat, converted)
		}
	}
	return d.record(domain.PatternWho, counts, overall)
}

// detectWhat correlates content features of sent messages with the
// reply rate. The content snapshot on the activity row is the input;
// replies with a hostile intent do not count as conversions.
func (d *Detector) detectWhat(acts []domain.Activity) *domain.PatternRecord {
	replied := positiveRepliers(acts)
	counts := map[string]*tally{}
	overall := tally{}
	for i := range acts {
		a := &acts[i]
		if a.Action != domain.ActionSent {
			continue
		}
		converted := replied[a.LeadID]
		overall.total++
		if converted {
			overall.converted++
		}
		for _, feat := range contentFeatures(&a.Content) {
			bump(counts, feat, converted)
		}
	}
	return d.record(domain.PatternWhat, counts, overall)
}

// detectWhen buckets sends by day-of-week and hour (UTC) against reply
// rate.
func (d *Detector) detectWhen(acts []domain.Activity) *domain.PatternRecord {
	replied := positiveRepliers(acts)
	counts := map[string]*tally{}
	overall := tally{}
	for i := range acts {
		a := &acts[i]
		if a.Action != domain.ActionSent {
			continue
		}
		converted := replied[a.LeadID]
		overall.total++
		if converted {
			overall.converted++
		}
		at := a.CreatedAt.UTC()
		bump(counts, fmt.Sprintf("send:%s:%02d", at.Weekday().String()[:3], at.Hour()), converted)
	}
	return d.record(domain.PatternWhen, counts, overall)
}

// detectHow measures channel and channel-position lift.
func (d *Detector) detectHow(acts []domain.Activity) *domain.PatternRecord {
	replied := positiveRepliers(acts)
	counts := map[string]*tally{}
	overall := tally{}
	for i := range acts {
		a := &acts[i]
		if a.Action != domain.ActionSent {
			continue
		}
		converted := replied[a.LeadID]
		overall.total++
		if converted {
			overall.converted++
		}
		bump(counts, "channel:"+string(a.Channel), converted)
		bump(counts, fmt.Sprintf("step:%d:%s", a.SequenceStep, a.Channel), converted)
	}
	return d.record(domain.PatternHow, counts, overall)
}

// record turns segment tallies into a gapped pattern record: segments
// under the minimum sample are dropped, everything else is stored with
// its lift and confidence. The eligibility gate is applied at read
// time, so low-confidence features stay visible.
func (d *Detector) record(kind domain.PatternKind, counts map[string]*tally, overall tally) *domain.PatternRecord {
	rec := &domain.PatternRecord{Kind: kind, SampleSize: overall.total}
	if overall.total == 0 || overall.converted == 0 {
		return rec
	}
	baseline := float64(overall.converted) / float64(overall.total)

	for feat, t := range counts {
		if t.total < d.minSample {
			continue
		}
		rate := float64(t.converted) / float64(t.total)
		rec.Features = append(rec.Features, domain.PatternFeature{
			Feature:     feat,
			Lift:        rate / baseline,
			SampleSize:  t.total,
			Conversions: t.converted,
			Confidence:  sampleConfidence(t.total),
		})
	}
	return rec
}

func bump(counts map[string]*tally, feat string, converted bool) {
	t := counts[feat]
	if t == nil {
		t = &tally{}
		counts[feat] = t
	}
	t.total++
	if converted {
		t.converted++
	}
}

// positiveRepliers returns the leads whose replies in the window carry
// an engaging intent. Angry and not-interested replies are real replies
// but the opposite of what a detector should reward.
func positiveRepliers(acts []domain.Activity) map[string]bool {
	out := map[string]bool{}
	for i := range acts {
		a := &acts[i]
		if a.Action != domain.ActionReplied {
			continue
		}
		switch domain.Intent(a.Reason) {
		case domain.IntentNotInterested, domain.IntentAngry, domain.IntentWrongPerson:
			continue
		}
		out[a.LeadID] = true
	}
	return out
}

// contentFeatures derives the WHAT feature keys from a content
// snapshot.
func contentFeatures(c *domain.ContentSnapshot) []string {
	var out []string
	switch n := len(c.Subject); {
	case n == 0:
		// SMS/voice sends have no subject; nothing to learn here.
	case n < 30:
		out = append(out, "subject_len:short")
	case n < 60:
		out = append(out, "subject_len:medium")
	default:
		out = append(out, "subject_len:long")
	}
	if strings.Contains(c.Subject, "?") {
		out = append(out, "subject:question")
	}
	if c.TemplateRef != "" {
		out = append(out, "template:"+c.TemplateRef)
	}
	if c.ModelRef != "" {
		out = append(out, "enhanced:model")
	}
	return out
}

// sampleConfidence maps a segment's sample size to a confidence score.
// It grows toward 1 with the square root of the sample, crossing the
// 0.70 production gate at about a dozen observations.
func sampleConfidence(n int) float64 {
	if n < 1 {
		return 0
	}
	c := 1 - 1/math.Sqrt(float64(n))
	if c > 0.99 {
		c = 0.99
	}
	return c
}
