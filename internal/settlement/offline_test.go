package settlement

import (
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"esimpos/backend/internal/domain"
)

var codePattern = regexp.MustCompile(`^LOC-[A-Z2-9]{4}-[A-Z2-9]{4}-\d{6}-\d{12}$`)

func TestIssueFormat(t *testing.T) {
	issuer := NewOfflineIssuer()
	issuer.now = func() time.Time {
		return time.Date(2026, 8, 30, 12, 34, 56, 0, time.UTC)
	}

	codes := issuer.Issue("ESIM-TELCOA-5GB", 3)
	if len(codes) != 3 {
		t.Fatalf("expected 3 codes, got %d", len(codes))
	}
	for _, code := range codes {
		if !codePattern.MatchString(code.Code) {
			t.Fatalf("code does not match format: %s", code.Code)
		}
		if !strings.HasSuffix(code.Code, "260830123456") {
			t.Fatalf("code missing timestamp suffix: %s", code.Code)
		}
		if code.Source != domain.CodeSourceLocal {
			t.Fatalf("expected local source, got %s", code.Source)
		}
		if !code.PendingSync {
			t.Fatalf("local code must be pending sync")
		}
	}
}

func TestIssueUniqueUnderConcurrency(t *testing.T) {
	issuer := NewOfflineIssuer()

	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes := issuer.Issue("ESIM-TELCOA-5GB", 25)
			mu.Lock()
			defer mu.Unlock()
			for _, c := range codes {
				if seen[c.Code] {
					t.Errorf("duplicate code issued: %s", c.Code)
				}
				seen[c.Code] = true
			}
		}()
	}
	wg.Wait()

	if len(seen) != 200 {
		t.Fatalf("expected 200 unique codes, got %d", len(seen))
	}
}

func TestIssueZeroQuantity(t *testing.T) {
	issuer := NewOfflineIssuer()
	if codes := issuer.Issue("ESIM-TELCOA-5GB", 0); codes != nil {
		t.Fatalf("expected no codes for zero quantity, got %d", len(codes))
	}
}
