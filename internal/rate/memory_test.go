package rate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(2, time.Minute)
	base := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("hit %d should be allowed", i+1)
		}
	}

	res, err := l.Allow(ctx, "client-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("third hit in window should be rejected")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %v", res.RetryAfter)
	}

	// otra key no comparte el contador
	if res, _ := l.Allow(ctx, "client-b"); !res.Allowed {
		t.Fatal("independent key should be allowed")
	}

	// ventana nueva, contador nuevo
	base = base.Add(time.Minute)
	if res, _ := l.Allow(ctx, "client-a"); !res.Allowed {
		t.Fatal("new window should reset the counter")
	}
}
