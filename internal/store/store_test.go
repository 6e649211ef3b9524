package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shiftwatch/shiftwatch/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "shiftwatch.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	sess := session.New("alice", base)
	if err := sess.OpenAway(session.AwayReason{Kind: session.AwayMeeting}, base.Add(time.Hour)); err != nil {
		t.Fatalf("OpenAway failed: %v", err)
	}
	if err := sess.CloseAway(base.Add(90 * time.Minute)); err != nil {
		t.Fatalf("CloseAway failed: %v", err)
	}
	sess.CaptchaSuccessStreak = 2
	sess.FaceVerificationCount = 1

	if err := s.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := s.LoadActive("alice")
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected an active session")
	}

	if loaded.ID != sess.ID {
		t.Errorf("Expected id %s, got %s", sess.ID, loaded.ID)
	}
	if loaded.Status != session.StatusOnline {
		t.Errorf("Expected online, got %s", loaded.Status)
	}
	if loaded.TotalAwaySeconds != 1800 {
		t.Errorf("Expected 1800 away seconds, got %d", loaded.TotalAwaySeconds)
	}
	if loaded.CaptchaSuccessStreak != 2 || loaded.FaceVerificationCount != 1 {
		t.Errorf("Challenge counters lost: streak %d, face %d",
			loaded.CaptchaSuccessStreak, loaded.FaceVerificationCount)
	}
	if len(loaded.AwayEvents) != 1 {
		t.Fatalf("Expected 1 away event, got %d", len(loaded.AwayEvents))
	}
	if loaded.AwayEvents[0].Reason.Kind != session.AwayMeeting {
		t.Errorf("Expected meeting reason, got %s", loaded.AwayEvents[0].Reason.Kind)
	}
	if loaded.AwayEvents[0].EndTime == nil {
		t.Error("Expected away event to be closed")
	}
}

func TestLoadActiveAfterCheckout(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	sess := session.New("alice", base)
	if err := s.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	sess.Finalize(base.Add(8 * time.Hour))
	if err := s.Save(sess); err != nil {
		t.Fatalf("Save after finalize failed: %v", err)
	}

	loaded, err := s.LoadActive("alice")
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}
	if loaded != nil {
		t.Errorf("Expected no active session after checkout, got %s", loaded.ID)
	}

	byID, err := s.Load(sess.ID)
	if err != nil {
		t.Fatalf("Load by id failed: %v", err)
	}
	if byID.Status != session.StatusOffline {
		t.Errorf("Expected offline, got %s", byID.Status)
	}
	if byID.TotalOnlineSeconds != 8*3600 {
		t.Errorf("Expected %d online seconds, got %d", 8*3600, byID.TotalOnlineSeconds)
	}
}

func TestSingleOpenSessionPerWorker(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first := session.New("alice", base)
	if err := s.Save(first); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	second := session.New("alice", base.Add(time.Minute))
	if err := s.Save(second); err == nil {
		t.Error("Expected second open session for the same worker to be rejected")
	}

	// After the first is finalized a new open session is allowed.
	first.Finalize(base.Add(time.Hour))
	if err := s.Save(first); err != nil {
		t.Fatalf("Save after finalize failed: %v", err)
	}
	if err := s.Save(second); err != nil {
		t.Errorf("Expected new open session after checkout, got: %v", err)
	}
}

func TestLegacyAwayReasonAliases(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	sess := session.New("alice", base)
	sess.AwayEvents = append(sess.AwayEvents,
		session.AwayEvent{ID: "ev-1", StartTime: base, Reason: session.AwayReason{Kind: "wc"}},
		session.AwayEvent{ID: "ev-2", StartTime: base.Add(time.Minute), Reason: session.AwayReason{Kind: "call"}},
		session.AwayEvent{ID: "ev-3", StartTime: base.Add(2 * time.Minute), Reason: session.AwayReason{Kind: "errand"}},
	)
	if err := s.Save(sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := s.LoadActive("alice")
	if err != nil {
		t.Fatalf("LoadActive failed: %v", err)
	}

	want := []session.AwayKind{session.AwayRestroom, session.AwayMeeting, session.AwayOther}
	if len(loaded.AwayEvents) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(loaded.AwayEvents))
	}
	for i, ev := range loaded.AwayEvents {
		if ev.Reason.Kind != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], ev.Reason.Kind)
		}
	}
	if loaded.AwayEvents[2].Reason.Text != "errand" {
		t.Errorf("Unknown alias should carry the raw value as text, got %q", loaded.AwayEvents[2].Reason.Text)
	}
}

func TestAuditSinks(t *testing.T) {
	s := newTestStore(t)

	t.Run("ActivityLog", func(t *testing.T) {
		err := s.RecordActivity("alice", "check_in", "worker checked in", map[string]string{"terminal": "front-desk"})
		if err != nil {
			t.Fatalf("RecordActivity failed: %v", err)
		}
		if err := s.RecordActivity("alice", "captcha_passed", "", nil); err != nil {
			t.Fatalf("RecordActivity failed: %v", err)
		}

		entries, err := s.ActivityHistory("alice", 10)
		if err != nil {
			t.Fatalf("ActivityHistory failed: %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("Expected 2 entries, got %d", len(entries))
		}

		var withMeta *ActivityEntry
		for i := range entries {
			if entries[i].EventType == "check_in" {
				withMeta = &entries[i]
			}
		}
		if withMeta == nil {
			t.Fatal("Expected a check_in entry")
		}
		if withMeta.Metadata["terminal"] != "front-desk" {
			t.Errorf("Metadata lost: %v", withMeta.Metadata)
		}
	})

	t.Run("Incidents", func(t *testing.T) {
		err := s.RecordIncident("alice", session.IncidentCaptchaExhausted, 3, "", "captcha attempt budget exhausted")
		if err != nil {
			t.Fatalf("RecordIncident failed: %v", err)
		}

		incidents, err := s.Incidents("alice", 10)
		if err != nil {
			t.Fatalf("Incidents failed: %v", err)
		}
		if len(incidents) != 1 {
			t.Fatalf("Expected 1 incident, got %d", len(incidents))
		}
		if incidents[0].IncidentType != session.IncidentCaptchaExhausted {
			t.Errorf("Expected %s, got %s", session.IncidentCaptchaExhausted, incidents[0].IncidentType)
		}
		if incidents[0].Attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", incidents[0].Attempts)
		}
	})
}

func TestWorkerEnrollment(t *testing.T) {
	s := newTestStore(t)
	descriptor := []float32{0.1, -0.2, 0.3, 0.4, -0.5}

	t.Run("EnrollAndLoad", func(t *testing.T) {
		if err := s.Enroll("alice", "Alice", descriptor); err != nil {
			t.Fatalf("Enroll failed: %v", err)
		}

		got, err := s.Descriptor("alice")
		if err != nil {
			t.Fatalf("Descriptor failed: %v", err)
		}
		if len(got) != len(descriptor) {
			t.Fatalf("Expected %d dims, got %d", len(descriptor), len(got))
		}
		for i := range got {
			if got[i] != descriptor[i] {
				t.Errorf("Dim %d: expected %f, got %f", i, descriptor[i], got[i])
			}
		}
	})

	t.Run("ReEnrollReplaces", func(t *testing.T) {
		updated := []float32{1, 2, 3}
		if err := s.Enroll("alice", "Alice", updated); err != nil {
			t.Fatalf("Re-enroll failed: %v", err)
		}

		got, err := s.Descriptor("alice")
		if err != nil {
			t.Fatalf("Descriptor failed: %v", err)
		}
		if len(got) != 3 || got[0] != 1 {
			t.Errorf("Expected replaced descriptor, got %v", got)
		}
	})

	t.Run("ListAndRemove", func(t *testing.T) {
		workers, err := s.Workers()
		if err != nil {
			t.Fatalf("Workers failed: %v", err)
		}
		if len(workers) != 1 || workers[0].WorkerID != "alice" {
			t.Errorf("Expected alice enrolled, got %v", workers)
		}

		if err := s.RemoveWorker("alice"); err != nil {
			t.Fatalf("RemoveWorker failed: %v", err)
		}
		if _, err := s.Descriptor("alice"); err == nil {
			t.Error("Expected error for removed worker")
		}
		if err := s.RemoveWorker("alice"); err == nil {
			t.Error("Expected error removing unknown worker")
		}
	})

	t.Run("EmptyDescriptorRejected", func(t *testing.T) {
		if err := s.Enroll("bob", "Bob", nil); err == nil {
			t.Error("Expected empty descriptor to be rejected")
		}
	})
}
