package store

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusSettled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusPending, false},
		{StatusSettled, StatusPending, false},
		{StatusSettled, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusSettled, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() {
		t.Error("pending must not be terminal")
	}
	if !StatusSettled.Terminal() {
		t.Error("settled must be terminal")
	}
	if !StatusFailed.Terminal() {
		t.Error("failed must be terminal")
	}
}
