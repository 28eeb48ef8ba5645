package content

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/domain"
)

func testSpendLedger(t *testing.T, capUSD float64) *SpendLedger {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSpendLedger(client, capUSD)
}

func testLead() *domain.Lead {
	return &domain.Lead{
		ID:        "lead-1",
		FirstName: "Jane",
		LastName:  "Doe",
		Title:     "VP Engineering",
		Firmographics: domain.Firmographics{
			CompanyName: "Acme",
			Industry:    "saas",
			NewsSignals: []string{"raised series B"},
		},
	}
}

func TestRenderBindings(t *testing.T) {
	tpl := &Template{
		Ref:     "intro-v1",
		Channel: domain.ChannelEmail,
		Subject: "Quick question, {{ first_name }}",
		Body:    "Hi {{ first_name }}, saw that {{ company }} {{ hook }}. {{ opener }}",
	}
	a := &domain.Assignment{
		Hooks:   []string{"just raised a round"},
		Openers: []string{"Worth a chat?"},
	}

	subject, body, err := NewRenderer().Render(tpl, Bindings(testLead(), &domain.Tenant{Name: "Northstar"}, a))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if subject != "Quick question, Jane" {
		t.Errorf("subject = %q", subject)
	}
	want := "Hi Jane, saw that Acme just raised a round. Worth a chat?"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestRenderNoSubjectForSMS(t *testing.T) {
	tpl := &Template{Ref: "sms-v1", Channel: domain.ChannelSMS, Body: "Hey {{ first_name }}"}
	subject, body, err := NewRenderer().Render(tpl, Bindings(testLead(), &domain.Tenant{}, &domain.Assignment{}))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if subject != "" {
		t.Errorf("subject = %q, want empty", subject)
	}
	if body != "Hey Jane" {
		t.Errorf("body = %q", body)
	}
}

func TestSpendLedgerCap(t *testing.T) {
	ledger := testSpendLedger(t, 0.50)
	ctx := context.Background()

	// 25 charges of $0.02 fit under $0.50; the 26th does not.
	for i := 0; i < 25; i++ {
		if err := ledger.TryCharge(ctx, "lead-1", 0.02); err != nil {
			t.Fatalf("charge %d: %v", i+1, err)
		}
	}
	if err := ledger.TryCharge(ctx, "lead-1", 0.02); err != ErrSpendCapReached {
		t.Fatalf("over-cap charge error = %v, want ErrSpendCapReached", err)
	}

	spent, err := ledger.Spent(ctx, "lead-1")
	if err != nil {
		t.Fatalf("Spent() error = %v", err)
	}
	if spent != 0.50 {
		t.Errorf("Spent() = %v, want 0.50", spent)
	}

	// Independent lead, fresh budget.
	if err := ledger.TryCharge(ctx, "lead-2", 0.02); err != nil {
		t.Errorf("other lead charge: %v", err)
	}
}

type fakeTemplateStore struct{ tpl *Template }

func (f *fakeTemplateStore) Get(_ context.Context, _ string) (*Template, error) {
	return f.tpl, nil
}

type fakeModel struct {
	calls int
	reply string
	err   error
}

func (f *fakeModel) InvokeModel(_ context.Context, _ *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": f.reply}},
	})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func generatorRequest(score int) Request {
	return Request{
		Lead: testLead(),
		Tenant: &domain.Tenant{ID: "tenant-1", Name: "Northstar"},
		Assignment: &domain.Assignment{
			ID: "asg-1", TenantID: "tenant-1", LeadID: "lead-1", Score: score,
		},
		Step: domain.SequenceStep{Channel: domain.ChannelEmail, TemplateRef: "intro-v1"},
	}
}

func TestGenerateTemplatePathForWarmLead(t *testing.T) {
	model := &fakeModel{reply: "enhanced"}
	g := NewGenerator(
		&fakeTemplateStore{tpl: &Template{Ref: "intro-v1", Subject: "Hi", Body: "Hello {{ first_name }}"}},
		model, "", testSpendLedger(t, 0.50), nil)

	snap, err := g.Generate(context.Background(), generatorRequest(72))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if model.calls != 0 {
		t.Errorf("model called %d times for sub-threshold score", model.calls)
	}
	if snap.ModelRef != "" || snap.TemplateRef != "intro-v1" {
		t.Errorf("snapshot refs = %+v", snap)
	}
	if snap.Body != "Hello Jane" {
		t.Errorf("body = %q", snap.Body)
	}
}

func TestGenerateEnhancedPathForHotLead(t *testing.T) {
	model := &fakeModel{reply: "Jane, congrats on the series B."}
	g := NewGenerator(
		&fakeTemplateStore{tpl: &Template{Ref: "intro-v1", Body: "Hello {{ first_name }}"}},
		model, "", testSpendLedger(t, 0.50), nil)

	snap, err := g.Generate(context.Background(), generatorRequest(90))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}
	if snap.ModelRef == "" {
		t.Error("ModelRef not set on enhanced snapshot")
	}
	if snap.Body != "Jane, congrats on the series B." {
		t.Errorf("body = %q", snap.Body)
	}
}

func TestGenerateFallsBackWhenBudgetExhausted(t *testing.T) {
	ledger := testSpendLedger(t, 0.03) // one call's worth
	model := &fakeModel{reply: "enhanced"}
	g := NewGenerator(
		&fakeTemplateStore{tpl: &Template{Ref: "intro-v1", Body: "Hello {{ first_name }}"}},
		model, "", ledger, nil)

	ctx := context.Background()
	if _, err := g.Generate(ctx, generatorRequest(90)); err != nil {
		t.Fatalf("first Generate() error = %v", err)
	}
	snap, err := g.Generate(ctx, generatorRequest(90))
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if model.calls != 1 {
		t.Errorf("model calls = %d, want 1 (second blocked by cap)", model.calls)
	}
	if snap.ModelRef != "" || snap.Body != "Hello Jane" {
		t.Errorf("capped snapshot = %+v, want template path", snap)
	}
}

type fakeObjectStore struct {
	puts int
	key  string
	size int
}

func (f *fakeObjectStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	f.key = *in.Key
	buf := make([]byte, archiveThresholdBytes*2)
	n, _ := in.Body.Read(buf)
	f.size = n
	return &s3.PutObjectOutput{}, nil
}

func TestArchiverThreshold(t *testing.T) {
	store := &fakeObjectStore{}
	a := NewArchiver(store, "dispatch-snapshots")
	ctx := context.Background()

	small := &domain.ContentSnapshot{Body: "short body"}
	if err := a.MaybeArchive(ctx, "asg-1", small); err != nil {
		t.Fatalf("MaybeArchive() error = %v", err)
	}
	if store.puts != 0 || small.ArchiveRef != "" {
		t.Errorf("small body archived: puts=%d ref=%q", store.puts, small.ArchiveRef)
	}

	big := &domain.ContentSnapshot{Body: strings.Repeat("x", archiveThresholdBytes+1)}
	if err := a.MaybeArchive(ctx, "asg-1", big); err != nil {
		t.Fatalf("MaybeArchive() error = %v", err)
	}
	if store.puts != 1 {
		t.Fatalf("puts = %d, want 1", store.puts)
	}
	if big.ArchiveRef != store.key || !strings.HasPrefix(big.ArchiveRef, "snapshots/asg-1/") {
		t.Errorf("ArchiveRef = %q, key = %q", big.ArchiveRef, store.key)
	}
	if len(big.Body) != previewBytes {
		t.Errorf("preview length = %d, want %d", len(big.Body), previewBytes)
	}
}
