package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agencyos/dispatch/internal/domain"
)

const testCatalog = `
templates:
  - ref: intro-v1
    channel: email
    subject: "Quick question, {{ first_name }}"
    body: "Hi {{ first_name }}"
  - ref: sms-nudge
    channel: sms
    body: "Hey {{ first_name }}, following up."
`

func writeCatalog(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileStoreGet(t *testing.T) {
	store, err := NewFileStore(writeCatalog(t, testCatalog))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("Len = %d, want 2", store.Len())
	}

	tpl, err := store.Get(context.Background(), "intro-v1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tpl.Channel != domain.ChannelEmail {
		t.Errorf("channel = %s, want email", tpl.Channel)
	}
	if tpl.Subject == "" {
		t.Error("subject dropped")
	}

	if _, err := store.Get(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown ref")
	}
}

func TestFileStoreDuplicateRef(t *testing.T) {
	_, err := NewFileStore(writeCatalog(t, `
templates:
  - ref: intro-v1
    body: "a"
  - ref: intro-v1
    body: "b"
`))
	if err == nil {
		t.Fatal("expected duplicate ref error")
	}
}

func TestFileStoreReload(t *testing.T) {
	path := writeCatalog(t, testCatalog)
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := os.WriteFile(path, []byte(`
templates:
  - ref: intro-v2
    channel: email
    body: "new copy"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, err := store.Get(context.Background(), "intro-v1"); err == nil {
		t.Error("stale template survived reload")
	}
	if _, err := store.Get(context.Background(), "intro-v2"); err != nil {
		t.Errorf("Get after reload: %v", err)
	}
}
