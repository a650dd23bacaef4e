package orchestrator

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"switchyard/internal/repo"
)

func TestRetryDurableKeepsGoingUntilCommit(t *testing.T) {
	var delays []time.Duration
	o := &Orchestrator{
		Log:   zerolog.Nop(),
		Sleep: func(d time.Duration) { delays = append(delays, d) },
	}

	calls := 0
	err := o.retryDurable("t-1", "provider acceptance", func() error {
		calls++
		if calls <= 8 {
			return fmt.Errorf("disk full")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry must run until the write commits: %v", err)
	}
	if calls != 9 {
		t.Fatalf("want 9 calls, got %d", calls)
	}
	if len(delays) != 8 {
		t.Fatalf("one backoff per failure, got %d", len(delays))
	}
	if delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("backoff should double from 100ms, got %v", delays)
	}
	for _, d := range delays {
		if d > 5*time.Second {
			t.Fatalf("backoff must cap at 5s, got %v", d)
		}
	}
}

func TestRetryDurableStopsOnStaleStatus(t *testing.T) {
	o := &Orchestrator{
		Log:   zerolog.Nop(),
		Sleep: func(time.Duration) { t.Fatal("a lost optimistic check must not retry") },
	}
	calls := 0
	err := o.retryDurable("t-1", "provider acceptance", func() error {
		calls++
		return repo.ErrStaleStatus
	})
	if !errors.Is(err, repo.ErrStaleStatus) {
		t.Fatalf("want ErrStaleStatus, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("want 1 call, got %d", calls)
	}
}
