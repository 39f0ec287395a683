package policy

import (
	"errors"
	"testing"
)

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   RunState
	}{
		{
			name:   "unauthenticated",
			policy: Policy{Name: "p"},
			want:   StateUnauthenticated,
		},
		{
			name:   "waiting mfa beats unauthenticated",
			policy: Policy{Name: "p", WaitingMFA: true},
			want:   StateAwaitingMFA,
		},
		{
			name:   "errored beats running",
			policy: Policy{Name: "p", Authenticated: true, Status: StatusErrored, Progress: 40},
			want:   StateErrored,
		},
		{
			name:   "running",
			policy: Policy{Name: "p", Authenticated: true, Status: StatusRunning, Progress: 40},
			want:   StateRunning,
		},
		{
			name:   "scheduled beats done",
			policy: Policy{Name: "p", Authenticated: true, Status: StatusStopped, Scheduled: true, Progress: 100},
			want:   StateScheduled,
		},
		{
			name:   "done at full progress",
			policy: Policy{Name: "p", Authenticated: true, Status: StatusStopped, Progress: 100},
			want:   StateDone,
		},
		{
			name:   "ready",
			policy: Policy{Name: "p", Authenticated: true, Status: StatusStopped},
			want:   StateReady,
		},
		{
			name:   "idle authenticated is ready",
			policy: Policy{Name: "p", Authenticated: true, Status: StatusIdle},
			want:   StateReady,
		},
		{
			name:   "mfa flag ignored once authenticated",
			policy: Policy{Name: "p", Authenticated: true, WaitingMFA: true, Status: StatusStopped},
			want:   StateReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveState(tt.policy); got != tt.want {
				t.Errorf("DeriveState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	terminal := []RunState{StateReady, StateErrored, StateDone}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to accept a new run", s)
		}
	}
	nonTerminal := []RunState{
		StateUnauthenticated, StateAwaitingPassword, StateAwaitingMFA,
		StateStarting, StateRunning, StateScheduled,
	}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %s to reject a new run", s)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := Policy{Name: "library", Username: "user@example.com", Directory: "/photos"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() on valid policy: %v", err)
	}

	tests := []struct {
		name   string
		policy Policy
	}{
		{"missing name", Policy{Username: "u", Directory: "/d"}},
		{"missing username", Policy{Name: "p", Directory: "/d"}},
		{"missing directory without browser delivery", Policy{Name: "p", Username: "u"}},
		{"progress out of range", Policy{Name: "p", Username: "u", Directory: "/d", Progress: 101}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	// Browser delivery makes the directory optional.
	browser := Policy{Name: "p", Username: "u", DownloadViaBrowser: true}
	if err := browser.Validate(); err != nil {
		t.Errorf("Validate() with browser delivery: %v", err)
	}
}
