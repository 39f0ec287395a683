package policy

import "testing"

func TestReplaceAllPreservesLogs(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "a", Username: "u", Directory: "/d"}})
	s.AppendLogs("a", "line one\n")

	// List broadcasts omit logs; the accumulated text must survive.
	s.ReplaceAll([]Policy{{Name: "a", Username: "u", Directory: "/e"}})

	p, ok := s.Get("a")
	if !ok {
		t.Fatal("policy a missing after replace")
	}
	if p.Directory != "/e" {
		t.Errorf("expected updated directory /e, got %s", p.Directory)
	}
	if p.Logs != "line one\n" {
		t.Errorf("expected logs preserved across replace, got %q", p.Logs)
	}
}

func TestReplaceAllDropsRemoved(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "a"}, {Name: "b"}})
	s.ReplaceAll([]Policy{{Name: "b"}})

	if _, ok := s.Get("a"); ok {
		t.Error("expected policy a removed by replace")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 policy, got %d", s.Len())
	}
}

func TestReplaceAllKeepsServerOrder(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "c"}, {Name: "a"}, {Name: "b"}})
	got := s.List()
	want := []string{"c", "a", "b"}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("expected order %v, got position %d = %s", want, i, got[i].Name)
		}
	}
}

func TestApplyMergesAndPreservesLogs(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "a", Progress: 10}})
	s.AppendLogs("a", "old\n")

	s.Apply(Policy{Name: "a", Progress: 50, Status: StatusRunning})

	p, _ := s.Get("a")
	if p.Progress != 50 || p.Status != StatusRunning {
		t.Errorf("expected merged progress/status, got %+v", p)
	}
	if p.Logs != "old\n" {
		t.Errorf("expected logs preserved, got %q", p.Logs)
	}

	// Updates that carry logs win.
	s.Apply(Policy{Name: "a", Logs: "fresh\n"})
	p, _ = s.Get("a")
	if p.Logs != "fresh\n" {
		t.Errorf("expected carried logs to replace, got %q", p.Logs)
	}
}

func TestApplyInsertsUnknown(t *testing.T) {
	s := NewSet()
	s.Apply(Policy{Name: "new", Progress: 5})
	if s.Len() != 1 {
		t.Fatalf("expected insert of unknown policy, len = %d", s.Len())
	}
}

func TestAppendAndClearLogs(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "a"}})

	s.AppendLogs("a", "one\n")
	s.AppendLogs("a", "two\n")
	p, _ := s.Get("a")
	if p.Logs != "one\ntwo\n" {
		t.Errorf("expected appended logs, got %q", p.Logs)
	}

	s.ClearLogs("a")
	p, _ = s.Get("a")
	if p.Logs != "" {
		t.Errorf("expected cleared logs, got %q", p.Logs)
	}

	// No-ops on unknown names.
	s.AppendLogs("ghost", "x")
	s.ClearLogs("ghost")
}

func TestSetStatusAndScheduled(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "a", Username: "u"}})

	s.SetStatus("a", StatusStopped, 100, true)
	p, _ := s.Get("a")
	if p.Status != StatusStopped || p.Progress != 100 || !p.Scheduled {
		t.Errorf("SetStatus not applied: %+v", p)
	}
	if p.Username != "u" {
		t.Error("SetStatus must not touch configuration fields")
	}

	s.SetScheduled("a", false)
	p, _ = s.Get("a")
	if p.Scheduled {
		t.Error("expected schedule disarmed")
	}
}

func TestMarkWaitingMFA(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "a", Authenticated: true}})
	s.MarkWaitingMFA("a")
	p, _ := s.Get("a")
	if p.Authenticated || !p.WaitingMFA {
		t.Errorf("expected unauthenticated waiting-MFA record, got %+v", p)
	}
	if got := DeriveState(p); got != StateAwaitingMFA {
		t.Errorf("expected awaiting_mfa, got %s", got)
	}
}

func TestRemove(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	s.Remove("b")
	got := s.List()
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
		t.Errorf("unexpected list after remove: %+v", got)
	}
	s.Remove("ghost")
	if s.Len() != 2 {
		t.Error("removing unknown name must be a no-op")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewSet()
	s.ReplaceAll([]Policy{{Name: "a", Progress: 1}})
	p, _ := s.Get("a")
	p.Progress = 99
	again, _ := s.Get("a")
	if again.Progress != 1 {
		t.Error("Get must return a copy, not a live reference")
	}
}
