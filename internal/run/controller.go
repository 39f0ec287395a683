// Package run drives the policy run lifecycle: it turns user actions into
// requests on the event channel, registers scoped response correlations,
// and folds server-pushed events back into policy state and notices.
package run

import (
	"errors"
	"fmt"
	"sync"

	"github.com/photarc/photarc/internal/archive"
	"github.com/photarc/photarc/internal/channel"
	"github.com/photarc/photarc/internal/correlation"
	"github.com/photarc/photarc/internal/events"
	"github.com/photarc/photarc/internal/logging"
	"github.com/photarc/photarc/internal/policy"
	"github.com/photarc/photarc/internal/protocol"
)

var (
	// ErrUnknownPolicy is returned for actions addressing a policy the
	// client has not seen.
	ErrUnknownPolicy = errors.New("unknown policy")
	// ErrInvalidState is returned for actions the policy's current run
	// state does not permit.
	ErrInvalidState = errors.New("action not valid in current state")
	// ErrBusy marks a start rejected because the account already has a
	// running policy. Retryable; the policy is not errored.
	ErrBusy = errors.New("account busy with another policy")
)

// Correlation concerns. One in-flight correlation per (policy, concern).
const (
	concernAuth      = "auth"
	concernRun       = "run"
	concernInterrupt = "interrupt"
	concernSchedule  = "schedule"
	concernSave      = "save"
	concernCreate    = "create"
	concernDelete    = "delete"
	concernImport    = "import"
	concernExport    = "export"
)

// Outcome reports how a correlated action resolved.
type Outcome struct {
	PolicyName string
	Event      string
	Payload    any
	Err        error
}

// DoneFunc receives an action's outcome. May be nil when the caller does
// not wait. It runs on the channel dispatch goroutine; do not block in it.
type DoneFunc func(Outcome)

// Link is the slice of the event channel the controller drives. Satisfied
// by *channel.Channel; tests substitute an in-memory fake.
type Link interface {
	Send(protocol.Request) error
	On(event string, h channel.Handler)
	Notify(fn func(channel.ConnState))
}

// SinkFactory opens the archive sink for one browser-delivered run.
type SinkFactory func(policyName string) (archive.Sink, error)

// Controller owns the per-policy run state machines for one session.
type Controller struct {
	link  Link
	reg   *correlation.Registry
	set   *policy.Set
	bus   *events.Bus
	log   *logging.Logger
	sinks SinkFactory

	mu        sync.Mutex
	transient map[string]policy.RunState
	transfers map[string]*archive.Transfer
}

// NewController wires a controller to a channel, a policy set and a notice
// bus. sinks may be nil when no policy delivers to the client.
func NewController(link Link, set *policy.Set, bus *events.Bus, log *logging.Logger, sinks SinkFactory) *Controller {
	if log == nil {
		log = logging.Nop()
	}
	return &Controller{
		link:      link,
		reg:       correlation.NewRegistry(),
		set:       set,
		bus:       bus,
		log:       log,
		sinks:     sinks,
		transient: make(map[string]policy.RunState),
		transfers: make(map[string]*archive.Transfer),
	}
}

// Start installs the persistent event handlers and requests the initial
// policy list.
func (c *Controller) Start() error {
	c.installHandlers()
	c.link.Notify(c.onConnState)
	if err := c.link.Send(protocol.GetPoliciesRequest{}); err != nil {
		return fmt.Errorf("request policies: %w", err)
	}
	return nil
}

// Policies returns the current list snapshot.
func (c *Controller) Policies() []policy.Policy {
	return c.set.List()
}

// Policy returns one policy snapshot.
func (c *Controller) Policy(name string) (policy.Policy, bool) {
	return c.set.Get(name)
}

// RunState returns the display state for a policy: the transient overlay
// while an action is in flight, otherwise the pure derivation from the
// record.
func (c *Controller) RunState(name string) (policy.RunState, bool) {
	c.mu.Lock()
	t, ok := c.transient[name]
	c.mu.Unlock()
	if ok {
		return t, true
	}
	p, ok := c.set.Get(name)
	if !ok {
		return "", false
	}
	return policy.DeriveState(p), true
}

// --- user actions -----------------------------------------------------

// Authenticate submits the account password for a policy.
func (c *Controller) Authenticate(name, password string, done DoneFunc) error {
	st, ok := c.RunState(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	if st != policy.StateUnauthenticated && st != policy.StateAwaitingPassword {
		return fmt.Errorf("%w: authenticate from %s", ErrInvalidState, st)
	}

	scope := correlation.Scope{Policy: name, Concern: concernAuth}
	c.setTransient(name, policy.StateAwaitingPassword)
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtAuthenticated,
		protocol.EvtAuthFailed,
		protocol.EvtMFARequired,
	}, c.authOutcome(name, done))

	if err := c.link.Send(protocol.AuthenticateRequest{PolicyName: name, Password: password}); err != nil {
		c.reg.Cancel(scope)
		c.clearTransient(name)
		return err
	}
	return nil
}

// ProvideMFA submits the second-factor code for a policy.
func (c *Controller) ProvideMFA(name, code string, done DoneFunc) error {
	st, ok := c.RunState(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	if st != policy.StateAwaitingMFA {
		return fmt.Errorf("%w: provide MFA from %s", ErrInvalidState, st)
	}

	scope := correlation.Scope{Policy: name, Concern: concernAuth}
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtAuthenticated,
		protocol.EvtAuthFailed,
		protocol.EvtMFARequired,
	}, c.authOutcome(name, done))

	if err := c.link.Send(protocol.ProvideMFARequest{PolicyName: name, Code: code}); err != nil {
		c.reg.Cancel(scope)
		return err
	}
	return nil
}

func (c *Controller) authOutcome(name string, done DoneFunc) correlation.Handler {
	return func(event string, payload any) {
		if done == nil {
			return
		}
		out := Outcome{PolicyName: name, Event: event, Payload: payload}
		if p, ok := payload.(*protocol.AuthFailedPayload); ok {
			out.Err = fmt.Errorf("authentication failed: %s", p.Error)
		}
		done(out)
	}
}

// Run starts a download for a policy. Logs are cleared before the request
// goes out so the new run never inherits the previous run's tail. The
// policy shows Starting until the server's first progress event.
func (c *Controller) Run(name string, done DoneFunc) error {
	p, ok := c.set.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	st, _ := c.RunState(name)
	if !st.Terminal() {
		return fmt.Errorf("%w: run from %s", ErrInvalidState, st)
	}

	c.set.ClearLogs(name)

	if p.DownloadViaBrowser {
		if c.sinks == nil {
			return fmt.Errorf("policy %s delivers via browser but no sink factory is configured", name)
		}
		sink, err := c.sinks(name)
		if err != nil {
			return fmt.Errorf("open archive sink: %w", err)
		}
		c.mu.Lock()
		c.transfers[name] = archive.NewTransfer(name, sink, c.log)
		c.mu.Unlock()
	}

	scope := correlation.Scope{Policy: name, Concern: concernRun}
	c.setTransient(name, policy.StateStarting)
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtDownloadProgress,
		protocol.EvtDownloadFinished,
		protocol.EvtDownloadFailed,
		protocol.EvtDownloadInterrupted,
		protocol.EvtServerBusy,
	}, func(event string, payload any) {
		if done == nil {
			return
		}
		out := Outcome{PolicyName: name, Event: event, Payload: payload}
		switch pl := payload.(type) {
		case *protocol.DownloadFailedPayload:
			out.Err = fmt.Errorf("download failed: %s", pl.Error)
		case *protocol.ServerBusyPayload:
			out.Err = fmt.Errorf("%w: %s", ErrBusy, pl.OccupiedBy)
		}
		done(out)
	})

	if err := c.link.Send(protocol.StartRequest{PolicyName: name}); err != nil {
		c.reg.Cancel(scope)
		c.clearTransient(name)
		c.dropTransfer(name, false)
		return err
	}
	return nil
}

// Interrupt stops a running (or still starting) download. The frontend is
// responsible for confirming with the user first; this is the destructive
// half. Files already downloaded are kept.
func (c *Controller) Interrupt(name string, done DoneFunc) error {
	st, ok := c.RunState(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	if st != policy.StateRunning && st != policy.StateStarting {
		return fmt.Errorf("%w: interrupt from %s", ErrInvalidState, st)
	}

	scope := correlation.Scope{Policy: name, Concern: concernInterrupt}
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtDownloadInterrupted,
		protocol.EvtErrInterrupting,
	}, func(event string, payload any) {
		if done == nil {
			return
		}
		out := Outcome{PolicyName: name, Event: event, Payload: payload}
		if p, ok := payload.(*protocol.ErrorPayload); ok {
			out.Err = fmt.Errorf("interrupt failed: %s", p.Error)
		}
		done(out)
	})

	if err := c.link.Send(protocol.InterruptRequest{PolicyName: name}); err != nil {
		c.reg.Cancel(scope)
		return err
	}
	return nil
}

// CancelSchedule disarms a policy's recurring trigger. Confirmed by the
// frontend before calling.
func (c *Controller) CancelSchedule(name string, done DoneFunc) error {
	st, ok := c.RunState(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	if st != policy.StateScheduled {
		return fmt.Errorf("%w: cancel schedule from %s", ErrInvalidState, st)
	}

	scope := correlation.Scope{Policy: name, Concern: concernSchedule}
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtCancelledSchedule,
		protocol.EvtErrCancelSchedule,
	}, func(event string, payload any) {
		if done == nil {
			return
		}
		out := Outcome{PolicyName: name, Event: event, Payload: payload}
		if p, ok := payload.(*protocol.ErrorPayload); ok {
			out.Err = fmt.Errorf("cancel schedule failed: %s", p.Error)
		}
		done(out)
	})

	if err := c.link.Send(protocol.CancelScheduleRequest{PolicyName: name}); err != nil {
		c.reg.Cancel(scope)
		return err
	}
	return nil
}

// Create asks the server to add a new policy.
func (c *Controller) Create(spec policy.Policy, done DoneFunc) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	scope := correlation.Scope{Policy: spec.Name, Concern: concernCreate}
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtPoliciesAfterCreate,
		protocol.EvtErrCreatingPolicy,
	}, c.listOutcome(spec.Name, "create policy", done))

	if err := c.link.Send(protocol.CreatePolicyRequest{Policy: spec}); err != nil {
		c.reg.Cancel(scope)
		return err
	}
	return nil
}

// Save updates an existing policy's configuration. Not permitted while the
// policy is running.
func (c *Controller) Save(name string, spec policy.Policy, done DoneFunc) error {
	st, ok := c.RunState(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	if st == policy.StateRunning || st == policy.StateStarting {
		return fmt.Errorf("%w: save while %s", ErrInvalidState, st)
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	scope := correlation.Scope{Policy: name, Concern: concernSave}
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtPoliciesAfterSave,
		protocol.EvtErrSavingPolicy,
	}, c.listOutcome(name, "save policy", done))

	if err := c.link.Send(protocol.SavePolicyRequest{PolicyName: name, Policy: spec}); err != nil {
		c.reg.Cancel(scope)
		return err
	}
	return nil
}

// Delete removes a policy. Confirmed by the frontend before calling.
func (c *Controller) Delete(name string, done DoneFunc) error {
	if _, ok := c.set.Get(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}

	scope := correlation.Scope{Policy: name, Concern: concernDelete}
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtPoliciesAfterDelete,
		protocol.EvtErrDeletingPolicy,
	}, func(event string, payload any) {
		if event == protocol.EvtPoliciesAfterDelete {
			c.reg.CancelPolicy(name)
			c.clearTransient(name)
			c.dropTransfer(name, false)
		}
		c.listOutcome(name, "delete policy", done)(event, payload)
	})

	if err := c.link.Send(protocol.DeletePolicyRequest{PolicyName: name}); err != nil {
		c.reg.Cancel(scope)
		return err
	}
	return nil
}

// Duplicate creates a copy of a policy with authentication reset.
func (c *Controller) Duplicate(name string, done DoneFunc) error {
	p, ok := c.set.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPolicy, name)
	}
	copyOf := p
	copyOf.Name = p.Name + " COPY"
	copyOf.Status = policy.StatusStopped
	copyOf.Progress = 0
	copyOf.Logs = ""
	copyOf.Authenticated = false
	copyOf.WaitingMFA = false
	copyOf.Scheduled = false
	return c.Create(copyOf, done)
}

// Import uploads a TOML policy document, replacing the server's set.
func (c *Controller) Import(tomlContent string, done DoneFunc) error {
	if _, err := policy.ImportTOML(tomlContent); err != nil {
		return err
	}
	scope := correlation.Scope{Concern: concernImport}
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtUploadedPolicies,
		protocol.EvtErrUploadingPolicies,
	}, c.listOutcome("", "import policies", done))

	if err := c.link.Send(protocol.UploadPoliciesRequest{TOML: tomlContent}); err != nil {
		c.reg.Cancel(scope)
		return err
	}
	return nil
}

// Export asks the server for the policy set as TOML. The document arrives
// in the outcome's payload.
func (c *Controller) Export(done DoneFunc) error {
	scope := correlation.Scope{Concern: concernExport}
	c.reg.ExpectOnce(scope, []string{
		protocol.EvtDownloadedPolicies,
		protocol.EvtErrDownloading,
	}, c.listOutcome("", "export policies", done))

	if err := c.link.Send(protocol.DownloadPoliciesRequest{}); err != nil {
		c.reg.Cancel(scope)
		return err
	}
	return nil
}

func (c *Controller) listOutcome(name, action string, done DoneFunc) correlation.Handler {
	return func(event string, payload any) {
		if done == nil {
			return
		}
		out := Outcome{PolicyName: name, Event: event, Payload: payload}
		if p, ok := payload.(*protocol.ErrorPayload); ok {
			out.Err = fmt.Errorf("%s failed: %s", action, p.Error)
		}
		done(out)
	}
}
