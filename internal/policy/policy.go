// Package policy defines the policy record, its derived run state, and the
// in-memory policy set shared by the run controller and the frontends.
package policy

import (
	"errors"
	"fmt"
)

// Status is the server-reported job status of a policy. It is independent of
// the transient client-side run states (see RunState).
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusErrored Status = "errored"
)

// Policy is one named download job: its configuration plus the live runtime
// fields the server reports with it. The JSON shape is the wire shape; the
// server re-broadcasts full records on most mutations.
type Policy struct {
	Name               string `json:"name" toml:"name"`
	Username           string `json:"username" toml:"username"`
	Directory          string `json:"directory" toml:"directory"`
	Album              string `json:"album,omitempty" toml:"album,omitempty"`
	Interval           string `json:"interval,omitempty" toml:"interval,omitempty"`
	DryRun             bool   `json:"dry_run,omitempty" toml:"dry_run,omitempty"`
	DownloadViaBrowser bool   `json:"download_via_browser" toml:"download_via_browser"`

	// Runtime fields. Never persisted in configuration exports.
	Status        Status `json:"status" toml:"-"`
	Progress      int    `json:"progress" toml:"-"`
	Logs          string `json:"logs,omitempty" toml:"-"`
	Authenticated bool   `json:"authenticated" toml:"-"`
	WaitingMFA    bool   `json:"waiting_mfa" toml:"-"`
	Scheduled     bool   `json:"scheduled" toml:"-"`
}

// ErrInvalid is returned by Validate for records missing required fields.
var ErrInvalid = errors.New("invalid policy")

// Validate checks the fields a policy needs before it can be created or saved.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if p.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalid)
	}
	if p.Directory == "" && !p.DownloadViaBrowser {
		return fmt.Errorf("%w: directory is required unless downloading via browser", ErrInvalid)
	}
	if p.Progress < 0 || p.Progress > 100 {
		return fmt.Errorf("%w: progress must be within 0-100", ErrInvalid)
	}
	return nil
}

// RunState is the UI-facing lifecycle state of a policy. All states except
// Starting and AwaitingPassword derive deterministically from the record;
// those two are transient overlays owned by the run controller while a user
// action is in flight.
type RunState string

const (
	StateUnauthenticated  RunState = "unauthenticated"
	StateAwaitingPassword RunState = "awaiting_password"
	StateAwaitingMFA      RunState = "awaiting_mfa"
	StateReady            RunState = "ready"
	StateStarting         RunState = "starting"
	StateRunning          RunState = "running"
	StateScheduled        RunState = "scheduled"
	StateErrored          RunState = "errored"
	StateDone             RunState = "done"
)

// DeriveState maps a policy record to its run state. Valid only when no
// transient action is in flight for the policy.
func DeriveState(p Policy) RunState {
	switch {
	case !p.Authenticated && p.WaitingMFA:
		return StateAwaitingMFA
	case !p.Authenticated:
		return StateUnauthenticated
	case p.Status == StatusErrored:
		return StateErrored
	case p.Status == StatusRunning:
		return StateRunning
	case p.Scheduled:
		return StateScheduled
	case p.Progress == 100:
		return StateDone
	default:
		return StateReady
	}
}

// Terminal reports whether the state accepts a new run.
func (s RunState) Terminal() bool {
	return s == StateReady || s == StateErrored || s == StateDone
}
