package run

import (
	"fmt"
	"time"

	"github.com/photarc/photarc/internal/archive"
	"github.com/photarc/photarc/internal/channel"
	"github.com/photarc/photarc/internal/events"
	"github.com/photarc/photarc/internal/policy"
	"github.com/photarc/photarc/internal/protocol"
)

// installHandlers registers the persistent handlers for every inbound
// event. Handlers update the policy records and publish notices first,
// then hand the event to the correlation registry so pending actions can
// resolve. The channel dispatches sequentially, so handlers never race
// each other.
func (c *Controller) installHandlers() {
	c.link.On(protocol.EvtPolicies, func(payload any) {
		c.applyList(payload)
	})
	c.link.On(protocol.EvtPoliciesAfterSave, func(payload any) {
		c.applyList(payload)
		c.bus.Notice(events.NoticeSuccess, "Policy saved", "", "", false)
		c.reg.DispatchFirst(protocol.EvtPoliciesAfterSave, payload)
	})
	c.link.On(protocol.EvtPoliciesAfterCreate, func(payload any) {
		c.applyList(payload)
		c.bus.Notice(events.NoticeSuccess, "Policy created", "", "", false)
		c.reg.DispatchFirst(protocol.EvtPoliciesAfterCreate, payload)
	})
	c.link.On(protocol.EvtPoliciesAfterDelete, func(payload any) {
		c.applyList(payload)
		c.bus.Notice(events.NoticeSuccess, "Policy deleted", "", "", false)
		c.reg.DispatchFirst(protocol.EvtPoliciesAfterDelete, payload)
	})
	c.link.On(protocol.EvtUploadedPolicies, func(payload any) {
		c.applyList(payload)
		c.bus.Notice(events.NoticeSuccess, "Policies imported", "", "", false)
		c.reg.DispatchFirst(protocol.EvtUploadedPolicies, payload)
	})
	c.link.On(protocol.EvtDownloadedPolicies, func(payload any) {
		c.reg.DispatchFirst(protocol.EvtDownloadedPolicies, payload)
	})
	c.link.On(protocol.EvtErrUploadingPolicies, func(payload any) {
		c.noticeError("Import failed", payload)
		c.reg.DispatchFirst(protocol.EvtErrUploadingPolicies, payload)
	})
	c.link.On(protocol.EvtErrDownloading, func(payload any) {
		c.noticeError("Export failed", payload)
		c.reg.DispatchFirst(protocol.EvtErrDownloading, payload)
	})

	c.link.On(protocol.EvtAuthenticated, c.onAuthenticated)
	c.link.On(protocol.EvtAuthFailed, c.onAuthFailed)
	c.link.On(protocol.EvtMFARequired, c.onMFARequired)

	c.link.On(protocol.EvtDownloadProgress, c.onProgress)
	c.link.On(protocol.EvtDownloadFinished, c.onFinished)
	c.link.On(protocol.EvtDownloadFailed, c.onFailed)
	c.link.On(protocol.EvtDownloadInterrupted, c.onInterrupted)
	c.link.On(protocol.EvtZipChunk, c.onZipChunk)
	c.link.On(protocol.EvtServerBusy, c.onServerBusy)
	c.link.On(protocol.EvtCancelledSchedule, c.onCancelledSchedule)

	for _, evt := range []string{
		protocol.EvtErrCancelSchedule,
		protocol.EvtErrSavingPolicy,
		protocol.EvtErrCreatingPolicy,
		protocol.EvtErrDeletingPolicy,
		protocol.EvtErrInterrupting,
	} {
		evt := evt
		c.link.On(evt, func(payload any) {
			name := ""
			if p, ok := payload.(*protocol.ErrorPayload); ok {
				name = p.PolicyName
			}
			c.noticeError("Request failed", payload)
			c.reg.Dispatch(name, evt, payload)
		})
	}
	c.link.On(protocol.EvtInternalError, func(payload any) {
		c.noticeError("Server error", payload)
	})
}

func (c *Controller) applyList(payload any) {
	p, ok := payload.(*protocol.PoliciesPayload)
	if !ok {
		c.log.Warn().Str("type", fmt.Sprintf("%T", payload)).Msg("unexpected list payload")
		return
	}
	c.set.ReplaceAll(p.Policies)
	c.publish(&events.PoliciesReplacedEvent{
		BaseEvent: base(events.EventPoliciesReplaced),
		Count:     len(p.Policies),
	})
}

func (c *Controller) onAuthenticated(payload any) {
	p, ok := payload.(*protocol.AuthenticatedPayload)
	if !ok {
		return
	}
	if len(p.Policies) > 0 {
		c.set.ReplaceAll(p.Policies)
	}
	c.clearTransient(p.PolicyName)
	c.publishStateChange(p.PolicyName)
	c.bus.Notice(events.NoticeSuccess, "Authenticated", p.Message, p.PolicyName, false)
	c.reg.Dispatch(p.PolicyName, protocol.EvtAuthenticated, payload)
}

func (c *Controller) onAuthFailed(payload any) {
	p, ok := payload.(*protocol.AuthFailedPayload)
	if !ok {
		return
	}
	c.clearTransient(p.PolicyName)
	c.bus.Notice(events.NoticeError, "Authentication failed", p.Error, p.PolicyName, false)
	c.reg.Dispatch(p.PolicyName, protocol.EvtAuthFailed, payload)
}

func (c *Controller) onMFARequired(payload any) {
	p, ok := payload.(*protocol.MFARequiredPayload)
	if !ok {
		return
	}
	c.set.MarkWaitingMFA(p.PolicyName)
	c.clearTransient(p.PolicyName)
	c.publishStateChange(p.PolicyName)
	c.bus.Notice(events.NoticeInfo, "MFA required", p.Message, p.PolicyName, false)
	c.reg.Dispatch(p.PolicyName, protocol.EvtMFARequired, payload)
}

func (c *Controller) onProgress(payload any) {
	p, ok := payload.(*protocol.DownloadProgressPayload)
	if !ok {
		return
	}
	name := p.Policy.Name
	c.set.Apply(p.Policy)
	if p.Logs != "" {
		c.set.AppendLogs(name, p.Logs)
	}
	c.clearTransient(name)
	c.publish(&events.ProgressEvent{
		BaseEvent:  base(events.EventProgress),
		PolicyName: name,
		Progress:   p.Policy.Progress,
		Logs:       p.Logs,
	})
	c.reg.Dispatch(name, protocol.EvtDownloadProgress, payload)
}

func (c *Controller) onFinished(payload any) {
	p, ok := payload.(*protocol.DownloadFinishedPayload)
	if !ok {
		return
	}
	c.set.SetStatus(p.PolicyName, policy.StatusStopped, p.Progress, p.Scheduled)
	if p.Logs != "" {
		c.set.AppendLogs(p.PolicyName, p.Logs)
	}
	c.clearTransient(p.PolicyName)
	c.dropTransfer(p.PolicyName, true)
	c.publishStateChange(p.PolicyName)
	c.bus.Notice(events.NoticeSuccess, "Download finished", "", p.PolicyName, false)
	c.reg.Dispatch(p.PolicyName, protocol.EvtDownloadFinished, payload)
}

func (c *Controller) onFailed(payload any) {
	p, ok := payload.(*protocol.DownloadFailedPayload)
	if !ok {
		return
	}
	name := p.Policy.Name
	c.set.Apply(p.Policy)
	if p.Logs != "" {
		c.set.AppendLogs(name, p.Logs)
	}
	c.clearTransient(name)
	c.dropTransfer(name, false)
	c.publishStateChange(name)
	c.bus.Notice(events.NoticeError, "Download failed", p.Error, name, false)
	c.reg.Dispatch(name, protocol.EvtDownloadFailed, payload)
}

// onInterrupted resolves both the run and the interrupt correlations for
// the policy; one server event answers the waiter on either side. The
// partial archive stays usable, so the transfer closes rather than aborts.
func (c *Controller) onInterrupted(payload any) {
	p, ok := payload.(*protocol.DownloadInterruptedPayload)
	if !ok {
		return
	}
	if rec, ok := c.set.Get(p.PolicyName); ok {
		c.set.SetStatus(p.PolicyName, policy.StatusStopped, rec.Progress, rec.Scheduled)
	}
	c.clearTransient(p.PolicyName)
	c.dropTransfer(p.PolicyName, true)
	c.publishStateChange(p.PolicyName)
	c.bus.Notice(events.NoticeInfo, "Download interrupted", "", p.PolicyName, false)
	c.reg.Dispatch(p.PolicyName, protocol.EvtDownloadInterrupted, payload)
}

// onZipChunk routes an archive fragment to its transfer. When the payload
// carries no policy name and exactly one transfer is open, that transfer
// receives it; ambiguous fragments are dropped with a warning.
func (c *Controller) onZipChunk(payload any) {
	p, ok := payload.(*protocol.ZipChunkPayload)
	if !ok {
		return
	}
	t := c.lookupTransfer(p.PolicyName)
	if t == nil {
		c.log.Warn().Str("policy", p.PolicyName).Msg("archive fragment with no matching transfer")
		return
	}
	if err := t.Consume(*p); err != nil {
		c.log.Error().Err(err).Str("policy", t.PolicyName()).Msg("archive transfer failed")
		c.removeTransfer(t.PolicyName())
		return
	}
	if t.Finished() {
		c.removeTransfer(t.PolicyName())
	}
}

// onServerBusy reverts a pending start without marking the policy errored.
// The condition clears on its own once the occupying run ends.
func (c *Controller) onServerBusy(payload any) {
	p, ok := payload.(*protocol.ServerBusyPayload)
	if !ok {
		return
	}
	c.clearTransient(p.PolicyName)
	c.dropTransfer(p.PolicyName, false)
	msg := p.Message
	if msg == "" {
		msg = fmt.Sprintf("account %s is running %s", p.Username, p.OccupiedBy)
	}
	c.bus.Notice(events.NoticeInfo, "Server busy", msg, p.PolicyName, false)
	c.reg.Dispatch(p.PolicyName, protocol.EvtServerBusy, payload)
}

func (c *Controller) onCancelledSchedule(payload any) {
	p, ok := payload.(*protocol.CancelledSchedulePayload)
	if !ok {
		return
	}
	c.set.SetScheduled(p.PolicyName, false)
	c.bus.Notice(events.NoticeSuccess, "Schedule cancelled", "", p.PolicyName, false)
	c.reg.Dispatch(p.PolicyName, protocol.EvtCancelledSchedule, payload)
}

// onConnState reacts to transport transitions. A reconnect is a fresh
// server session: pending correlations can never resolve, a half-streamed
// archive can never complete, and the list must be fetched again.
func (c *Controller) onConnState(state channel.ConnState) {
	switch state {
	case channel.StateDisconnected:
		c.bus.Notice(events.NoticeError, "Connection lost", "reconnecting", "", true)
	case channel.StateGaveUp:
		c.bus.Notice(events.NoticeError, "Connection lost", "gave up reconnecting", "", true)
	case channel.StateReconnected:
		c.reg.CancelAll()
		c.abandonSession()
		if err := c.link.Send(protocol.GetPoliciesRequest{}); err != nil {
			c.log.Error().Err(err).Msg("refresh policies after reconnect")
		}
		c.bus.Notice(events.NoticeInfo, "Reconnected", "", "", false)
	}
}

// abandonSession clears transient overlays and aborts open transfers. A
// zip truncated mid-stream is not a valid archive, so abort rather than
// close.
func (c *Controller) abandonSession() {
	c.mu.Lock()
	transfers := c.transfers
	transients := c.transient
	c.transfers = make(map[string]*archive.Transfer)
	c.transient = make(map[string]policy.RunState)
	c.mu.Unlock()

	for name := range transients {
		c.publishStateChange(name)
	}
	for _, t := range transfers {
		t.Fail()
	}
}

// setTransient overlays a display state while an action is in flight.
func (c *Controller) setTransient(name string, st policy.RunState) {
	c.mu.Lock()
	c.transient[name] = st
	c.mu.Unlock()
	c.publishStateChange(name)
}

func (c *Controller) clearTransient(name string) {
	c.mu.Lock()
	_, had := c.transient[name]
	delete(c.transient, name)
	c.mu.Unlock()
	if had {
		c.publishStateChange(name)
	}
}

func (c *Controller) publishStateChange(name string) {
	st, ok := c.RunState(name)
	if !ok {
		return
	}
	c.publish(&events.StateChangeEvent{
		BaseEvent:  base(events.EventStateChange),
		PolicyName: name,
		NewState:   string(st),
	})
}

func (c *Controller) lookupTransfer(name string) *archive.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name != "" {
		return c.transfers[name]
	}
	if len(c.transfers) == 1 {
		for _, t := range c.transfers {
			return t
		}
	}
	return nil
}

func (c *Controller) removeTransfer(name string) {
	c.mu.Lock()
	delete(c.transfers, name)
	c.mu.Unlock()
}

// dropTransfer closes out a policy's transfer, keeping the archive when
// keep is true and aborting it otherwise.
func (c *Controller) dropTransfer(name string, keep bool) {
	c.mu.Lock()
	t := c.transfers[name]
	delete(c.transfers, name)
	c.mu.Unlock()
	if t == nil {
		return
	}
	if keep {
		if err := t.CloseKeep(); err != nil {
			c.log.Error().Err(err).Str("policy", name).Msg("close archive")
		}
	} else {
		t.Fail()
	}
}

func (c *Controller) noticeError(title string, payload any) {
	name, msg := "", ""
	if p, ok := payload.(*protocol.ErrorPayload); ok {
		name, msg = p.PolicyName, p.Error
	}
	c.bus.Notice(events.NoticeError, title, msg, name, false)
}

func (c *Controller) publish(e events.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func base(t events.EventType) events.BaseEvent {
	return events.BaseEvent{EventType: t, Time: time.Now()}
}
