package run

import (
	"bytes"
	"errors"
	"testing"

	"github.com/photarc/photarc/internal/archive"
	"github.com/photarc/photarc/internal/channel"
	"github.com/photarc/photarc/internal/events"
	"github.com/photarc/photarc/internal/policy"
	"github.com/photarc/photarc/internal/protocol"
)

// fakeLink drives handlers synchronously, standing in for the channel's
// single-reader dispatch loop.
type fakeLink struct {
	handlers  map[string]channel.Handler
	observers []func(channel.ConnState)
	sent      []protocol.Request
	sendErr   error
}

func newFakeLink() *fakeLink {
	return &fakeLink{handlers: make(map[string]channel.Handler)}
}

func (f *fakeLink) Send(req protocol.Request) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeLink) On(event string, h channel.Handler) {
	f.handlers[event] = h
}

func (f *fakeLink) Notify(fn func(channel.ConnState)) {
	f.observers = append(f.observers, fn)
}

func (f *fakeLink) emit(t *testing.T, event string, payload any) {
	t.Helper()
	h, ok := f.handlers[event]
	if !ok {
		t.Fatalf("no handler registered for %s", event)
	}
	h(payload)
}

func (f *fakeLink) emitConn(state channel.ConnState) {
	for _, fn := range f.observers {
		fn(state)
	}
}

func (f *fakeLink) lastSent(t *testing.T) protocol.Request {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

// memSink collects archive bytes in memory.
type memSink struct {
	buf    bytes.Buffer
	closes int
	aborts int
}

func (s *memSink) Write(p []byte) error { _, _ = s.buf.Write(p); return nil }
func (s *memSink) Close() error         { s.closes++; return nil }
func (s *memSink) Abort() error         { s.aborts++; return nil }

func newTestController(t *testing.T, sinks SinkFactory) (*Controller, *fakeLink) {
	t.Helper()
	link := newFakeLink()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	c := NewController(link, policy.NewSet(), bus, nil, sinks)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Initial list request goes out on Start.
	if _, ok := link.lastSent(t).(protocol.GetPoliciesRequest); !ok {
		t.Fatalf("expected initial get_policies, got %T", link.lastSent(t))
	}
	return c, link
}

func seedPolicy(t *testing.T, link *fakeLink, p policy.Policy) {
	t.Helper()
	link.emit(t, protocol.EvtPolicies, &protocol.PoliciesPayload{Policies: []policy.Policy{p}})
}

func readyPolicy(name string) policy.Policy {
	return policy.Policy{
		Name: name, Username: "u", Directory: "/d",
		Authenticated: true, Status: policy.StatusStopped,
	}
}

func TestInitialListReplace(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, readyPolicy("library"))

	if len(c.Policies()) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(c.Policies()))
	}
	st, ok := c.RunState("library")
	if !ok || st != policy.StateReady {
		t.Errorf("expected ready, got %s (%v)", st, ok)
	}
}

func TestAuthenticateFlow(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, policy.Policy{Name: "p", Username: "u", Directory: "/d"})

	outcomes := make(chan Outcome, 1)
	if err := c.Authenticate("p", "hunter2", func(o Outcome) { outcomes <- o }); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// In flight: the transient overlay shows awaiting_password.
	if st, _ := c.RunState("p"); st != policy.StateAwaitingPassword {
		t.Errorf("expected awaiting_password during auth, got %s", st)
	}
	req, ok := link.lastSent(t).(protocol.AuthenticateRequest)
	if !ok || req.PolicyName != "p" || req.Password != "hunter2" {
		t.Fatalf("unexpected request %+v", link.lastSent(t))
	}

	authed := readyPolicy("p")
	link.emit(t, protocol.EvtAuthenticated, &protocol.AuthenticatedPayload{
		PolicyName: "p",
		Policies:   []policy.Policy{authed},
	})

	out := <-outcomes
	if out.Err != nil {
		t.Fatalf("unexpected outcome error: %v", out.Err)
	}
	if st, _ := c.RunState("p"); st != policy.StateReady {
		t.Errorf("expected ready after auth, got %s", st)
	}
}

func TestAuthenticateFailureRevertsState(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, policy.Policy{Name: "p", Username: "u", Directory: "/d"})

	outcomes := make(chan Outcome, 1)
	_ = c.Authenticate("p", "wrong", func(o Outcome) { outcomes <- o })
	link.emit(t, protocol.EvtAuthFailed, &protocol.AuthFailedPayload{PolicyName: "p", Error: "bad password"})

	out := <-outcomes
	if out.Err == nil {
		t.Fatal("expected outcome error")
	}
	if st, _ := c.RunState("p"); st != policy.StateUnauthenticated {
		t.Errorf("expected unauthenticated after failure, got %s", st)
	}
}

func TestMFAFlow(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, policy.Policy{Name: "p", Username: "u", Directory: "/d"})

	_ = c.Authenticate("p", "hunter2", nil)
	link.emit(t, protocol.EvtMFARequired, &protocol.MFARequiredPayload{PolicyName: "p"})

	if st, _ := c.RunState("p"); st != policy.StateAwaitingMFA {
		t.Fatalf("expected awaiting_mfa, got %s", st)
	}

	// Wrong-state guard: a second password submit is not what the server
	// wants now.
	if err := c.Authenticate("p", "x", nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	outcomes := make(chan Outcome, 1)
	if err := c.ProvideMFA("p", "123456", func(o Outcome) { outcomes <- o }); err != nil {
		t.Fatalf("ProvideMFA: %v", err)
	}
	link.emit(t, protocol.EvtAuthenticated, &protocol.AuthenticatedPayload{
		PolicyName: "p",
		Policies:   []policy.Policy{readyPolicy("p")},
	})
	if out := <-outcomes; out.Err != nil {
		t.Fatalf("unexpected outcome error: %v", out.Err)
	}
}

func TestAuthenticateSupersede(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, policy.Policy{Name: "p", Username: "u", Directory: "/d"})

	firstFired := false
	_ = c.Authenticate("p", "first", func(Outcome) { firstFired = true })

	secondFired := false
	_ = c.Authenticate("p", "second", func(Outcome) { secondFired = true })

	link.emit(t, protocol.EvtAuthenticated, &protocol.AuthenticatedPayload{
		PolicyName: "p",
		Policies:   []policy.Policy{readyPolicy("p")},
	})

	if firstFired {
		t.Error("superseded action's callback fired")
	}
	if !secondFired {
		t.Error("latest action's callback did not fire")
	}
}

func TestRunLifecycle(t *testing.T) {
	c, link := newTestController(t, nil)
	p := readyPolicy("p")
	p.Logs = "stale tail\n"
	seedPolicy(t, link, p)

	outcomes := make(chan Outcome, 1)
	if err := c.Run("p", func(o Outcome) { outcomes <- o }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Logs cleared before the request leaves.
	if got, _ := c.Policy("p"); got.Logs != "" {
		t.Errorf("expected logs cleared on start, got %q", got.Logs)
	}
	if st, _ := c.RunState("p"); st != policy.StateStarting {
		t.Errorf("expected starting, got %s", st)
	}
	if _, ok := link.lastSent(t).(protocol.StartRequest); !ok {
		t.Fatalf("expected start request, got %T", link.lastSent(t))
	}

	// A second start while the first is in flight is rejected.
	if err := c.Run("p", nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for concurrent start, got %v", err)
	}

	running := p
	running.Status = policy.StatusRunning
	running.Progress = 30
	running.Logs = ""
	link.emit(t, protocol.EvtDownloadProgress, &protocol.DownloadProgressPayload{Policy: running, Logs: "downloading 3 of 10\n"})

	if out := <-outcomes; out.Err != nil {
		t.Fatalf("start outcome error: %v", out.Err)
	}
	if st, _ := c.RunState("p"); st != policy.StateRunning {
		t.Errorf("expected running, got %s", st)
	}
	if got, _ := c.Policy("p"); got.Logs != "downloading 3 of 10\n" {
		t.Errorf("expected progress logs appended, got %q", got.Logs)
	}

	link.emit(t, protocol.EvtDownloadFinished, &protocol.DownloadFinishedPayload{
		PolicyName: "p", Progress: 100, Logs: "all done\n",
	})

	if st, _ := c.RunState("p"); st != policy.StateDone {
		t.Errorf("expected done, got %s", st)
	}
	if got, _ := c.Policy("p"); got.Logs != "downloading 3 of 10\nall done\n" {
		t.Errorf("expected accumulated logs, got %q", got.Logs)
	}
}

func TestConcurrentStartsIsolated(t *testing.T) {
	c, link := newTestController(t, nil)
	link.emit(t, protocol.EvtPolicies, &protocol.PoliciesPayload{
		Policies: []policy.Policy{readyPolicy("p1"), readyPolicy("p2")},
	})

	var p1Fired, p2Fired bool
	if err := c.Run("p1", func(Outcome) { p1Fired = true }); err != nil {
		t.Fatalf("Run p1: %v", err)
	}
	if err := c.Run("p2", func(Outcome) { p2Fired = true }); err != nil {
		t.Fatalf("Run p2: %v", err)
	}

	// Progress for p2 must move only p2.
	running := readyPolicy("p2")
	running.Status = policy.StatusRunning
	running.Progress = 10
	link.emit(t, protocol.EvtDownloadProgress, &protocol.DownloadProgressPayload{Policy: running})

	if st, _ := c.RunState("p2"); st != policy.StateRunning {
		t.Errorf("p2: expected running, got %s", st)
	}
	if st, _ := c.RunState("p1"); st != policy.StateStarting {
		t.Errorf("p1: expected starting untouched, got %s", st)
	}
	if p1Fired {
		t.Error("p1's start resolved on p2's progress")
	}
	if !p2Fired {
		t.Error("p2's start did not resolve on its own progress")
	}

	// p1's correlation is still live and resolves on its own event.
	running1 := readyPolicy("p1")
	running1.Status = policy.StatusRunning
	link.emit(t, protocol.EvtDownloadProgress, &protocol.DownloadProgressPayload{Policy: running1})
	if !p1Fired {
		t.Error("p1's start did not resolve on its own progress")
	}
}

func TestRunFailure(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, readyPolicy("p"))

	outcomes := make(chan Outcome, 1)
	_ = c.Run("p", func(o Outcome) { outcomes <- o })

	failed := readyPolicy("p")
	failed.Status = policy.StatusErrored
	link.emit(t, protocol.EvtDownloadFailed, &protocol.DownloadFailedPayload{Policy: failed, Error: "network gone"})

	out := <-outcomes
	if out.Err == nil {
		t.Fatal("expected failure outcome")
	}
	if st, _ := c.RunState("p"); st != policy.StateErrored {
		t.Errorf("expected errored, got %s", st)
	}

	// Errored is terminal; a retry is allowed.
	if err := c.Run("p", nil); err != nil {
		t.Errorf("expected retry permitted from errored, got %v", err)
	}
}

func TestServerBusyRevertsWithoutErroring(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, readyPolicy("p"))

	outcomes := make(chan Outcome, 1)
	_ = c.Run("p", func(o Outcome) { outcomes <- o })
	link.emit(t, protocol.EvtServerBusy, &protocol.ServerBusyPayload{PolicyName: "p", OccupiedBy: "other"})

	out := <-outcomes
	if !errors.Is(out.Err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", out.Err)
	}
	if st, _ := c.RunState("p"); st != policy.StateReady {
		t.Errorf("busy must revert to ready, got %s", st)
	}
}

func TestInterruptResolvesRunAndInterrupt(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, readyPolicy("p"))

	runOutcomes := make(chan Outcome, 1)
	_ = c.Run("p", func(o Outcome) { runOutcomes <- o })

	// Interrupt is legal while still starting.
	intOutcomes := make(chan Outcome, 1)
	if err := c.Interrupt("p", func(o Outcome) { intOutcomes <- o }); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	link.emit(t, protocol.EvtDownloadInterrupted, &protocol.DownloadInterruptedPayload{PolicyName: "p"})

	if out := <-runOutcomes; out.Event != protocol.EvtDownloadInterrupted {
		t.Errorf("run outcome event = %s", out.Event)
	}
	if out := <-intOutcomes; out.Err != nil {
		t.Errorf("interrupt outcome error: %v", out.Err)
	}
	if st, _ := c.RunState("p"); st != policy.StateReady {
		t.Errorf("expected ready after interruption, got %s", st)
	}
}

func TestInterruptRequiresRunning(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, readyPolicy("p"))
	if err := c.Interrupt("p", nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestBrowserDeliveryStreams(t *testing.T) {
	sink := &memSink{}
	c, link := newTestController(t, func(string) (archive.Sink, error) { return sink, nil })

	p := readyPolicy("p")
	p.Directory = ""
	p.DownloadViaBrowser = true
	seedPolicy(t, link, p)

	if err := c.Run("p", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	link.emit(t, protocol.EvtZipChunk, &protocol.ZipChunkPayload{Chunk: "QQ=="})
	link.emit(t, protocol.EvtZipChunk, &protocol.ZipChunkPayload{Chunk: "Qg=="})
	link.emit(t, protocol.EvtZipChunk, &protocol.ZipChunkPayload{Finished: true})
	link.emit(t, protocol.EvtDownloadFinished, &protocol.DownloadFinishedPayload{PolicyName: "p", Progress: 100})

	if got := sink.buf.String(); got != "AB" {
		t.Errorf("expected archive bytes AB, got %q", got)
	}
	if sink.closes != 1 || sink.aborts != 0 {
		t.Errorf("expected one close, no abort, got %d/%d", sink.closes, sink.aborts)
	}
}

func TestBrowserDeliveryFailureAborts(t *testing.T) {
	sink := &memSink{}
	c, link := newTestController(t, func(string) (archive.Sink, error) { return sink, nil })

	p := readyPolicy("p")
	p.DownloadViaBrowser = true
	seedPolicy(t, link, p)

	_ = c.Run("p", nil)
	link.emit(t, protocol.EvtZipChunk, &protocol.ZipChunkPayload{Chunk: "QQ=="})

	failed := p
	failed.Status = policy.StatusErrored
	link.emit(t, protocol.EvtDownloadFailed, &protocol.DownloadFailedPayload{Policy: failed, Error: "boom"})

	if sink.aborts != 1 || sink.closes != 0 {
		t.Errorf("expected partial archive aborted, got closes=%d aborts=%d", sink.closes, sink.aborts)
	}
}

func TestBrowserDeliveryInterruptKeepsPartial(t *testing.T) {
	sink := &memSink{}
	c, link := newTestController(t, func(string) (archive.Sink, error) { return sink, nil })

	p := readyPolicy("p")
	p.DownloadViaBrowser = true
	seedPolicy(t, link, p)

	_ = c.Run("p", nil)
	link.emit(t, protocol.EvtZipChunk, &protocol.ZipChunkPayload{Chunk: "QQ=="})
	link.emit(t, protocol.EvtDownloadInterrupted, &protocol.DownloadInterruptedPayload{PolicyName: "p"})

	if sink.closes != 1 || sink.aborts != 0 {
		t.Errorf("interruption must keep the partial archive, got closes=%d aborts=%d", sink.closes, sink.aborts)
	}
	if got := sink.buf.String(); got != "A" {
		t.Errorf("expected partial byte kept, got %q", got)
	}
}

func TestDeleteRemovesPolicy(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, readyPolicy("p"))

	outcomes := make(chan Outcome, 1)
	if err := c.Delete("p", func(o Outcome) { outcomes <- o }); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	link.emit(t, protocol.EvtPoliciesAfterDelete, &protocol.PoliciesPayload{})

	if out := <-outcomes; out.Err != nil {
		t.Fatalf("delete outcome error: %v", out.Err)
	}
	if len(c.Policies()) != 0 {
		t.Errorf("expected empty set, got %d", len(c.Policies()))
	}
}

func TestSaveRejectedWhileRunning(t *testing.T) {
	c, link := newTestController(t, nil)
	running := readyPolicy("p")
	running.Status = policy.StatusRunning
	seedPolicy(t, link, running)

	err := c.Save("p", readyPolicy("p"), nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestDuplicateResetsRuntime(t *testing.T) {
	c, link := newTestController(t, nil)
	p := readyPolicy("p")
	p.Progress = 100
	p.Scheduled = true
	seedPolicy(t, link, p)

	if err := c.Duplicate("p", nil); err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	req, ok := link.lastSent(t).(protocol.CreatePolicyRequest)
	if !ok {
		t.Fatalf("expected create request, got %T", link.lastSent(t))
	}
	if req.Policy.Name != "p COPY" {
		t.Errorf("expected name with COPY suffix, got %q", req.Policy.Name)
	}
	if req.Policy.Authenticated || req.Policy.Scheduled || req.Policy.Progress != 0 || req.Policy.Logs != "" {
		t.Errorf("expected runtime fields reset, got %+v", req.Policy)
	}
}

func TestUnknownPolicyActions(t *testing.T) {
	c, _ := newTestController(t, nil)
	if err := c.Run("ghost", nil); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("Run: expected ErrUnknownPolicy, got %v", err)
	}
	if err := c.Authenticate("ghost", "x", nil); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("Authenticate: expected ErrUnknownPolicy, got %v", err)
	}
	if err := c.Delete("ghost", nil); !errors.Is(err, ErrUnknownPolicy) {
		t.Errorf("Delete: expected ErrUnknownPolicy, got %v", err)
	}
}

func TestSendFailureRevertsRun(t *testing.T) {
	c, link := newTestController(t, nil)
	seedPolicy(t, link, readyPolicy("p"))

	link.sendErr = errors.New("not connected")
	if err := c.Run("p", nil); err == nil {
		t.Fatal("expected send error surfaced")
	}
	if st, _ := c.RunState("p"); st != policy.StateReady {
		t.Errorf("expected state reverted to ready, got %s", st)
	}
	link.sendErr = nil
	if err := c.Run("p", nil); err != nil {
		t.Errorf("expected retry to succeed, got %v", err)
	}
}

func TestReconnectResetsSession(t *testing.T) {
	sink := &memSink{}
	c, link := newTestController(t, func(string) (archive.Sink, error) { return sink, nil })

	p := readyPolicy("p")
	p.DownloadViaBrowser = true
	seedPolicy(t, link, p)

	fired := false
	_ = c.Run("p", func(Outcome) { fired = true })
	link.emit(t, protocol.EvtZipChunk, &protocol.ZipChunkPayload{Chunk: "QQ=="})

	sentBefore := len(link.sent)
	link.emitConn(channel.StateReconnected)

	// Correlations from the dead session must never resolve.
	link.emit(t, protocol.EvtDownloadProgress, &protocol.DownloadProgressPayload{Policy: p})
	if fired {
		t.Error("stale correlation resolved after reconnect")
	}
	// The half-streamed archive is unusable.
	if sink.aborts != 1 {
		t.Errorf("expected open transfer aborted, got %d", sink.aborts)
	}
	// The transient overlay is gone and the list is re-requested.
	if st, _ := c.RunState("p"); st == policy.StateStarting {
		t.Error("starting overlay survived reconnect")
	}
	if len(link.sent) != sentBefore+1 {
		t.Fatalf("expected one refresh request, got %d new", len(link.sent)-sentBefore)
	}
	if _, ok := link.lastSent(t).(protocol.GetPoliciesRequest); !ok {
		t.Errorf("expected get_policies after reconnect, got %T", link.lastSent(t))
	}
}

func TestCancelSchedule(t *testing.T) {
	c, link := newTestController(t, nil)
	p := readyPolicy("p")
	p.Scheduled = true
	seedPolicy(t, link, p)

	if st, _ := c.RunState("p"); st != policy.StateScheduled {
		t.Fatalf("expected scheduled, got %s", st)
	}

	outcomes := make(chan Outcome, 1)
	if err := c.CancelSchedule("p", func(o Outcome) { outcomes <- o }); err != nil {
		t.Fatalf("CancelSchedule: %v", err)
	}
	link.emit(t, protocol.EvtCancelledSchedule, &protocol.CancelledSchedulePayload{PolicyName: "p"})

	if out := <-outcomes; out.Err != nil {
		t.Fatalf("outcome error: %v", out.Err)
	}
	if st, _ := c.RunState("p"); st != policy.StateReady {
		t.Errorf("expected ready after cancel, got %s", st)
	}
}
