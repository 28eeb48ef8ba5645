package suppression

import (
	"fmt"
	"sync"
	"testing"
)

func TestEngineContains(t *testing.T) {
	e := NewEngine()

	var hashes []Hash
	for i := 0; i < 1000; i++ {
		hashes = append(hashes, HashKey("global", "", fmt.Sprintf("user%d@example.com", i)))
	}
	e.Reload(hashes)

	if !e.Contains(HashKey("global", "", "user42@example.com")) {
		t.Error("loaded key not found")
	}
	if e.Contains(HashKey("global", "", "absent@example.com")) {
		t.Error("false positive survived verification layer")
	}
	// Same key in a different namespace is a different entry.
	if e.Contains(HashKey("tenant", "t1", "user42@example.com")) {
		t.Error("namespace leaked across scopes")
	}
}

func TestEngineNormalizesKeys(t *testing.T) {
	e := NewEngine()
	e.Reload([]Hash{HashKey("global", "", "User@Example.COM ")})

	if !e.Contains(HashKey("global", "", "user@example.com")) {
		t.Error("key normalization must be case and whitespace insensitive")
	}
}

func TestEngineOverlayVisibleBeforeReload(t *testing.T) {
	e := NewEngine()
	e.Reload(nil)

	h := HashKey("tenant", "t1", "new@example.com")
	if e.Contains(h) {
		t.Fatal("unexpected hit before add")
	}
	e.Add(h)
	if !e.Contains(h) {
		t.Error("overlay write must be visible immediately")
	}
}

func TestEngineConcurrentAccess(t *testing.T) {
	e := NewEngine()
	e.Reload([]Hash{HashKey("global", "", "a@example.com")})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				e.Contains(HashKey("global", "", "a@example.com"))
				if j%100 == 0 {
					e.Add(HashKey("global", "", fmt.Sprintf("w%d-%d@example.com", n, j)))
				}
			}
		}(i)
	}
	wg.Wait()
}
