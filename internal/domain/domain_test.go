package domain_test

import (
	"testing"

	"switchyard/internal/domain"
)

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to string }{
		{domain.StatusCreated, domain.StatusSubmitting},
		{domain.StatusCreated, domain.StatusFailed},
		{domain.StatusSubmitting, domain.StatusSubmitting},
		{domain.StatusSubmitting, domain.StatusPendingSettlement},
		{domain.StatusSubmitting, domain.StatusRejectedImmediate},
		{domain.StatusSubmitting, domain.StatusFailed},
		{domain.StatusPendingSettlement, domain.StatusCompleted},
		{domain.StatusPendingSettlement, domain.StatusFailed},
		{domain.StatusPendingSettlement, domain.StatusReversed},
		{domain.StatusRejectedImmediate, domain.StatusFailed},
	}
	for _, tc := range allowed {
		if !domain.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to string }{
		{domain.StatusCreated, domain.StatusPendingSettlement},
		{domain.StatusCreated, domain.StatusCompleted},
		{domain.StatusPendingSettlement, domain.StatusSubmitting},
		{domain.StatusCompleted, domain.StatusFailed},
		{domain.StatusCompleted, domain.StatusReversed},
		{domain.StatusFailed, domain.StatusCompleted},
		{domain.StatusReversed, domain.StatusPendingSettlement},
		{domain.StatusRejectedImmediate, domain.StatusPendingSettlement},
	}
	for _, tc := range denied {
		if domain.CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be illegal", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []string{domain.StatusCompleted, domain.StatusFailed, domain.StatusReversed} {
		if !domain.TerminalStatus(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []string{domain.StatusCreated, domain.StatusSubmitting, domain.StatusPendingSettlement, domain.StatusRejectedImmediate} {
		if domain.TerminalStatus(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestUrgencyFloor(t *testing.T) {
	cases := map[string][]string{
		domain.UrgencyInstant:   {domain.SettlementInstant},
		domain.UrgencyEmergency: {domain.SettlementInstant, domain.SettlementSameDay},
		domain.UrgencyExpress:   {domain.SettlementInstant, domain.SettlementSameDay},
		domain.UrgencyStandard:  {domain.SettlementInstant, domain.SettlementSameDay, domain.SettlementBatch},
	}
	for urgency, want := range cases {
		got := domain.UrgencyFloor(urgency)
		if len(got) != len(want) {
			t.Fatalf("%s: got %v want %v", urgency, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s: got %v want %v", urgency, got, want)
			}
		}
	}
}

func TestDowngradeLadder(t *testing.T) {
	next, ok := domain.Downgrade(domain.UrgencyInstant)
	if !ok || next != domain.UrgencyExpress {
		t.Fatalf("instant should downgrade to express, got %s ok=%v", next, ok)
	}
	next, ok = domain.Downgrade(domain.UrgencyExpress)
	if !ok || next != domain.UrgencyStandard {
		t.Fatalf("express should downgrade to standard, got %s ok=%v", next, ok)
	}
	if _, ok := domain.Downgrade(domain.UrgencyStandard); ok {
		t.Fatal("standard has nothing to downgrade to")
	}
	if _, ok := domain.Downgrade(domain.UrgencyEmergency); ok {
		t.Fatal("emergency must never silently downgrade")
	}
}

func TestBatchIDFromMetadata(t *testing.T) {
	req := domain.PaymentRequest{Metadata: map[string]string{"batch_id": "b-1"}}
	if req.BatchID() != "b-1" {
		t.Fatalf("got %q", req.BatchID())
	}
	if (domain.PaymentRequest{}).BatchID() != "" {
		t.Fatal("no metadata should mean no batch")
	}
}
