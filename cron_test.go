package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestRobfigEvaluator_NextRunAfter(t *testing.T) {
	eval := NewRobfigEvaluator()

	t.Run("exact match returns the same instant", func(t *testing.T) {
		at := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
		got, err := eval.NextRunAfter("*/5 * * * * *", at)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.Equal(at) {
			t.Errorf("got %v, want %v", got, at)
		}
	})

	t.Run("advances to the next occurrence", func(t *testing.T) {
		at := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
		got, err := eval.NextRunAfter("*/5 * * * * *", at)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("malformed expression returns a parse error, not ErrNoMatchingDate", func(t *testing.T) {
		_, err := eval.NextRunAfter("not a cron expression", time.Now())
		if err == nil || errors.Is(err, ErrNoMatchingDate) {
			t.Errorf("expected a parse error distinct from ErrNoMatchingDate, got %v", err)
		}
	})
}

func TestRobfigEvaluator_SupportsSixFieldSeconds(t *testing.T) {
	eval := NewRobfigEvaluator()

	at := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)
	got, err := eval.NextRunAfter("30 0 10 * * *", at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 6, 15, 10, 0, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
