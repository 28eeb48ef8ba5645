package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agencyos/dispatch/internal/domain"
	"github.com/agencyos/dispatch/internal/drivers"
	"github.com/agencyos/dispatch/internal/pkg/httputil"
	"github.com/agencyos/dispatch/internal/pkg/logger"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// InboundRouter receives canonical inbound messages from the ingress.
type InboundRouter interface {
	HandleInbound(ctx context.Context, msg domain.InboundMessage) error
}

// MeetingSink receives booked meetings from the calendar webhook.
type MeetingSink interface {
	MeetingBooked(ctx context.Context, m *domain.Meeting) error
}

// SchedulerControl is the operator pause toggle on the dispatch loop.
type SchedulerControl interface {
	SetPaused(paused bool)
	Paused() bool
}

// TenantAdmin pauses and resumes individual tenants.
type TenantAdmin interface {
	SetPaused(ctx context.Context, id string, paused bool) error
}

// LedgerAdmin reads and resets rate ledger counters.
type LedgerAdmin interface {
	Reset(ctx context.Context, key string, now time.Time) error
	CurrentUsage(ctx context.Context, key string, now time.Time) (int64, error)
}

// SuppressionAdmin manages suppression entries by hand.
type SuppressionAdmin interface {
	Suppress(ctx context.Context, s *domain.Suppression) error
	Remove(ctx context.Context, scope domain.SuppressionScope, tenantID, key string) error
}

// CacheAdmin bumps the shared cache version, invalidating every entry
// written under the previous one.
type CacheAdmin interface {
	BumpVersion(version string)
}

// TestModeAdmin flips the global address-redirect toggle.
type TestModeAdmin interface {
	SetEnabled(on bool)
	Enabled() bool
}

// ThreadReader lists a conversation thread's messages.
type ThreadReader interface {
	Messages(ctx context.Context, threadID string) ([]domain.Message, error)
}

// ResourceAdmin overrides a sending resource's health state.
type ResourceAdmin interface {
	SetHealth(ctx context.Context, id string, health domain.ResourceHealth) error
}

// Handlers carries the wired dependencies for every route.
type Handlers struct {
	registry  drivers.Registry
	inbound   InboundRouter
	meetings  MeetingSink
	scheduler SchedulerControl
	tenants   TenantAdmin
	ledger    LedgerAdmin
	cache     CacheAdmin
	testMode  TestModeAdmin
	threads   ThreadReader
	resources ResourceAdmin
	suppress  SuppressionAdmin
}

// NewHandlers creates the handler set.
func NewHandlers(registry drivers.Registry, inbound InboundRouter, meetings MeetingSink,
	scheduler SchedulerControl, tenants TenantAdmin, ledger LedgerAdmin,
	cache CacheAdmin, testMode TestModeAdmin) *Handlers {
	return &Handlers{
		registry:  registry,
		inbound:   inbound,
		meetings:  meetings,
		scheduler: scheduler,
		tenants:   tenants,
		ledger:    ledger,
		cache:     cache,
		testMode:  testMode,
	}
}

// UseConversations enables the thread inspection endpoint.
func (h *Handlers) UseConversations(tr ThreadReader) { h.threads = tr }

// UseResources enables the resource health override endpoint.
func (h *Handlers) UseResources(ra ResourceAdmin) { h.resources = ra }

// UseSuppression enables the manual suppression endpoints.
func (h *Handlers) UseSuppression(sa SuppressionAdmin) { h.suppress = sa }

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ChannelWebhook ingests one provider event for a channel. The driver
// normalizes the payload; events that are not inbound messages (opens,
// acceptances, malformed posts) are acknowledged and dropped.
func (h *Handlers) ChannelWebhook(w http.ResponseWriter, r *http.Request) {
	channel := domain.Channel(chi.URLParam(r, "channel"))
	driver, err := h.registry.For(channel)
	if err != nil {
		httputil.Error(w, http.StatusNotFound, "unknown channel")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	msg, ok := driver.Ingest(payload)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.inbound.HandleInbound(r.Context(), msg); err != nil {
		logger.Error("inbound handling failed", "channel", string(channel), "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "inbound handling failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// meetingRequest is the calendar provider's booking payload.
type meetingRequest struct {
	TenantID        string    `json:"tenant_id"`
	LeadID          string    `json:"lead_id"`
	CampaignID      string    `json:"campaign_id,omitempty"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
	MeetingType     string    `json:"meeting_type"`
	MeetingLink     string    `json:"meeting_link,omitempty"`
}

// MeetingWebhook ingests a calendar booking.
func (h *Handlers) MeetingWebhook(w http.ResponseWriter, r *http.Request) {
	var req meetingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.TenantID == "" || req.LeadID == "" || req.ScheduledAt.IsZero() {
		httputil.Error(w, http.StatusBadRequest, "tenant_id, lead_id and scheduled_at are required")
		return
	}

	m := &domain.Meeting{
		TenantID:        req.TenantID,
		LeadID:          req.LeadID,
		CampaignID:      req.CampaignID,
		ScheduledAt:     req.ScheduledAt,
		DurationMinutes: req.DurationMinutes,
		MeetingType:     req.MeetingType,
		MeetingLink:     req.MeetingLink,
	}
	if err := h.meetings.MeetingBooked(r.Context(), m); err != nil {
		logger.Error("meeting booking failed", "tenant", req.TenantID, "error", err.Error())
		httputil.Error(w, http.StatusInternalServerError, "meeting booking failed")
		return
	}
	httputil.JSON(w, http.StatusAccepted, map[string]string{"meeting_id": m.ID})
}

// PauseScheduler halts dispatch cycles until resumed.
func (h *Handlers) PauseScheduler(w http.ResponseWriter, _ *http.Request) {
	h.scheduler.SetPaused(true)
	httputil.JSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeScheduler restarts dispatch cycles.
func (h *Handlers) ResumeScheduler(w http.ResponseWriter, _ *http.Request) {
	h.scheduler.SetPaused(false)
	httputil.JSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// SchedulerStatus reports the pause flag.
func (h *Handlers) SchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]bool{"paused": h.scheduler.Paused()})
}

// PauseTenant stops a single tenant's sends.
func (h *Handlers) PauseTenant(w http.ResponseWriter, r *http.Request) {
	h.setTenantPaused(w, r, true)
}

// ResumeTenant re-enables a tenant's sends.
func (h *Handlers) ResumeTenant(w http.ResponseWriter, r *http.Request) {
	h.setTenantPaused(w, r, false)
}

func (h *Handlers) setTenantPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	id := chi.URLParam(r, "id")
	if err := h.tenants.SetPaused(r.Context(), id, paused); err != nil {
		httputil.Error(w, http.StatusNotFound, "tenant not found")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"tenant": id, "paused": paused})
}

// ResetLedger clears the rate counters for one ledger key, e.g.
// "email:mailbox-7" after a manual intervention.
func (h *Handlers) ResetLedger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		httputil.Error(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := h.ledger.Reset(r.Context(), req.Key, time.Now()); err != nil {
		httputil.Error(w, http.StatusInternalServerError, "ledger reset failed")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"reset": req.Key})
}

// LedgerUsage reports a ledger key's trailing-24h send count.
func (h *Handlers) LedgerUsage(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		httputil.Error(w, http.StatusBadRequest, "key is required")
		return
	}
	usage, err := h.ledger.CurrentUsage(r.Context(), key, time.Now())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"key": key, "usage": usage})
}

// suppressionRequest is the manual suppression payload.
type suppressionRequest struct {
	Scope    string `json:"scope"`
	TenantID string `json:"tenant_id,omitempty"`
	KeyKind  string `json:"key_kind"`
	Key      string `json:"key"`
	Reason   string `json:"reason"`
}

// AddSuppression writes a suppression entry by operator hand, e.g. a
// client's do-not-contact list arriving over email.
func (h *Handlers) AddSuppression(w http.ResponseWriter, r *http.Request) {
	if h.suppress == nil {
		httputil.Error(w, http.StatusNotFound, "suppression administration not enabled")
		return
	}
	var req suppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" || req.Scope == "" {
		httputil.Error(w, http.StatusBadRequest, "scope and key are required")
		return
	}
	if req.Scope == string(domain.ScopeTenant) && req.TenantID == "" {
		httputil.Error(w, http.StatusBadRequest, "tenant scope requires tenant_id")
		return
	}
	s := &domain.Suppression{
		Scope:    domain.SuppressionScope(req.Scope),
		TenantID: req.TenantID,
		KeyKind:  domain.SuppressionKeyKind(req.KeyKind),
		Key:      req.Key,
		Reason:   domain.SuppressionReason(req.Reason),
	}
	if s.Reason == "" {
		s.Reason = domain.ReasonDoNotContact
	}
	if err := h.suppress.Suppress(r.Context(), s); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, map[string]string{"suppressed": req.Key})
}

// RemoveSuppression soft-deletes a suppression entry.
func (h *Handlers) RemoveSuppression(w http.ResponseWriter, r *http.Request) {
	if h.suppress == nil {
		httputil.Error(w, http.StatusNotFound, "suppression administration not enabled")
		return
	}
	var req suppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" || req.Scope == "" {
		httputil.Error(w, http.StatusBadRequest, "scope and key are required")
		return
	}
	if err := h.suppress.Remove(r.Context(), domain.SuppressionScope(req.Scope), req.TenantID, req.Key); err != nil {
		httputil.Error(w, http.StatusNotFound, "entry not found")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"removed": req.Key})
}

// BumpCacheVersion invalidates the versioned cache wholesale.
func (h *Handlers) BumpCacheVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Version == "" {
		httputil.Error(w, http.StatusBadRequest, "version is required")
		return
	}
	h.cache.BumpVersion(req.Version)
	httputil.JSON(w, http.StatusOK, map[string]string{"version": req.Version})
}

// ThreadMessages returns one conversation thread in send order.
func (h *Handlers) ThreadMessages(w http.ResponseWriter, r *http.Request) {
	if h.threads == nil {
		httputil.Error(w, http.StatusNotFound, "conversation browsing not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	msgs, err := h.threads.Messages(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"thread": id, "messages": msgs})
}

// SetResourceHealth overrides a sending resource's health, e.g. to
// quarantine a burned mailbox before the next health sweep.
func (h *Handlers) SetResourceHealth(w http.ResponseWriter, r *http.Request) {
	if h.resources == nil {
		httputil.Error(w, http.StatusNotFound, "resource administration not enabled")
		return
	}
	var req struct {
		Health string `json:"health"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	health := domain.ResourceHealth(req.Health)
	switch health {
	case domain.HealthWarming, domain.HealthHealthy, domain.HealthDegraded, domain.HealthQuarantined:
	default:
		httputil.Error(w, http.StatusBadRequest, "unknown health state")
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.resources.SetHealth(r.Context(), id, health); err != nil {
		httputil.Error(w, http.StatusNotFound, "resource not found")
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"resource": id, "health": req.Health})
}

// SetTestMode flips the global address-redirect toggle.
func (h *Handlers) SetTestMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid payload")
		return
	}
	h.testMode.SetEnabled(req.Enabled)
	httputil.JSON(w, http.StatusOK, map[string]bool{"enabled": h.testMode.Enabled()})
}
