package imagegen

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/arkadas/chaton2api/pkg/config"
)

func testController(attempt func(ctx context.Context, prompt string) (string, error)) *Controller {
	c := NewController(nil, config.ImagesConfig{Style: "photographic", AspectRatio: "1:1"}, nil)
	c.attempt = attempt
	return c
}

func TestGenerateRecoversFromEarlyFailures(t *testing.T) {
	var calls atomic.Int64
	c := testController(func(ctx context.Context, prompt string) (string, error) {
		n := calls.Add(1)
		if n <= 2 {
			return "", errors.New("flaky upstream")
		}
		return fmt.Sprintf("https://cdn.test/img-%d.png", n), nil
	})

	urls, err := c.Generate(context.Background(), "a red fox", 3)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(urls) != 3 {
		t.Fatalf("collected %d urls, want 3", len(urls))
	}
	if got := calls.Load(); got > 6 {
		t.Fatalf("issued %d attempts, budget is 6", got)
	}
}

func TestGenerateExhaustsAfterTwoNAttempts(t *testing.T) {
	var calls atomic.Int64
	c := testController(func(ctx context.Context, prompt string) (string, error) {
		calls.Add(1)
		return "", errors.New("always broken")
	})

	urls, err := c.Generate(context.Background(), "anything", 2)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
	if len(urls) != 0 {
		t.Fatalf("unexpected urls on exhaustion: %v", urls)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("issued %d attempts, want exactly 4", got)
	}
}

func TestGeneratePartialSuccessStillBounded(t *testing.T) {
	var calls atomic.Int64
	c := testController(func(ctx context.Context, prompt string) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			return "https://cdn.test/only.png", nil
		}
		return "", errors.New("dry spell")
	})

	urls, err := c.Generate(context.Background(), "anything", 3)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("want ErrExhausted, got %v", err)
	}
	if len(urls) != 1 {
		t.Fatalf("want the one collected url, got %v", urls)
	}
	if got := calls.Load(); got != 6 {
		t.Fatalf("issued %d attempts, want exactly 6", got)
	}
}

func TestGenerateStopsIssuingOnceSatisfied(t *testing.T) {
	var calls atomic.Int64
	c := testController(func(ctx context.Context, prompt string) (string, error) {
		n := calls.Add(1)
		return fmt.Sprintf("https://cdn.test/img-%d.png", n), nil
	})

	urls, err := c.Generate(context.Background(), "anything", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("collected %d urls, want 2", len(urls))
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("issued %d attempts for an immediately healthy upstream, want 2", got)
	}
}

func TestBackfillRepeatsCollectedEntries(t *testing.T) {
	got := Backfill([]string{"https://cdn.test/a.png"}, 3)
	want := []string{"https://cdn.test/a.png", "https://cdn.test/a.png", "https://cdn.test/a.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Backfill = %v, want %v", got, want)
	}

	got = Backfill([]string{"a", "b"}, 5)
	want = []string{"a", "b", "a", "b", "a"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Backfill = %v, want %v", got, want)
	}
}

func TestBackfillLeavesEmptyAndFullAlone(t *testing.T) {
	if got := Backfill(nil, 3); len(got) != 0 {
		t.Fatalf("backfill invented content: %v", got)
	}
	full := []string{"a", "b", "c"}
	if got := Backfill(full, 3); !reflect.DeepEqual(got, full) {
		t.Fatalf("backfill touched a full result: %v", got)
	}
}
