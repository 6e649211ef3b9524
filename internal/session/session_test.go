package session

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("NewSessionIsOnline", func(t *testing.T) {
		s := New("alice", base)
		if s.Status != StatusOnline {
			t.Errorf("Expected online, got %s", s.Status)
		}
		if s.ID == "" {
			t.Error("Expected a session id")
		}
		if !s.CheckInTime.Equal(base) {
			t.Errorf("Expected check-in at %v, got %v", base, s.CheckInTime)
		}
	})

	t.Run("OpenAndCloseAway", func(t *testing.T) {
		s := New("alice", base)

		if err := s.OpenAway(AwayReason{Kind: AwayMeeting}, base.Add(10*time.Minute)); err != nil {
			t.Fatalf("OpenAway failed: %v", err)
		}
		if s.Status != StatusBackSoon {
			t.Errorf("Expected back_soon, got %s", s.Status)
		}
		if _, ok := s.OpenAwayEvent(); !ok {
			t.Error("Expected an open away event")
		}

		if err := s.CloseAway(base.Add(25 * time.Minute)); err != nil {
			t.Fatalf("CloseAway failed: %v", err)
		}
		if s.Status != StatusOnline {
			t.Errorf("Expected online, got %s", s.Status)
		}
		if s.TotalAwaySeconds != 900 {
			t.Errorf("Expected 900 away seconds, got %d", s.TotalAwaySeconds)
		}
		if _, ok := s.OpenAwayEvent(); ok {
			t.Error("Expected no open away event after close")
		}
	})

	t.Run("InvalidTransitions", func(t *testing.T) {
		s := New("alice", base)

		if err := s.CloseAway(base.Add(time.Minute)); err == nil {
			t.Error("Expected error closing away while online")
		}

		if err := s.OpenAway(AwayReason{Kind: AwayRestroom}, base.Add(time.Minute)); err != nil {
			t.Fatalf("OpenAway failed: %v", err)
		}
		if err := s.OpenAway(AwayReason{Kind: AwayRestroom}, base.Add(2*time.Minute)); err == nil {
			t.Error("Expected error opening away while already back_soon")
		}

		var te *TransitionError
		err := s.OpenAway(AwayReason{Kind: AwayOther, Text: "errand"}, base.Add(2*time.Minute))
		if !errors.As(err, &te) {
			t.Errorf("Expected TransitionError, got %T", err)
		} else if te.From != StatusBackSoon {
			t.Errorf("Expected from=back_soon, got %s", te.From)
		}
	})

	t.Run("FinalizeIsIdempotent", func(t *testing.T) {
		s := New("alice", base)
		end := base.Add(8 * time.Hour)

		if !s.Finalize(end) {
			t.Fatal("Expected first finalize to report a change")
		}
		firstOut := *s.CheckOutTime
		firstOnline := s.TotalOnlineSeconds

		if s.Finalize(end.Add(time.Hour)) {
			t.Error("Expected second finalize to be a no-op")
		}
		if !s.CheckOutTime.Equal(firstOut) {
			t.Error("Checkout time changed on repeated finalize")
		}
		if s.TotalOnlineSeconds != firstOnline {
			t.Error("Online total changed on repeated finalize")
		}
	})

	t.Run("FinalizeClosesOpenAway", func(t *testing.T) {
		s := New("alice", base)
		if err := s.OpenAway(AwayReason{Kind: AwayMeeting}, base.Add(time.Hour)); err != nil {
			t.Fatalf("OpenAway failed: %v", err)
		}

		if !s.Finalize(base.Add(2 * time.Hour)) {
			t.Fatal("Expected finalize to report a change")
		}
		if _, ok := s.OpenAwayEvent(); ok {
			t.Error("Expected away event closed by finalize")
		}
		if s.TotalAwaySeconds != 3600 {
			t.Errorf("Expected 3600 away seconds, got %d", s.TotalAwaySeconds)
		}
		if s.TotalOnlineSeconds != 3600 {
			t.Errorf("Expected 3600 online seconds, got %d", s.TotalOnlineSeconds)
		}
	})

	t.Run("CloneIsDeep", func(t *testing.T) {
		s := New("alice", base)
		if err := s.OpenAway(AwayReason{Kind: AwayMeeting}, base.Add(time.Minute)); err != nil {
			t.Fatalf("OpenAway failed: %v", err)
		}

		c := s.Clone()
		if err := s.CloseAway(base.Add(2 * time.Minute)); err != nil {
			t.Fatalf("CloseAway failed: %v", err)
		}

		if c.AwayEvents[0].EndTime != nil {
			t.Error("Clone observed a mutation of the original")
		}
	})
}

// TestTimeConservation checks that for any sequence of away intervals,
// totalOnline + totalAway always equals the whole elapsed seconds between
// check-in and checkout.
func TestTimeConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		s := New("worker", base)
		now := base

		steps := rapid.IntRange(0, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			advance := time.Duration(rapid.Int64Range(0, 7200_000).Draw(rt, "advanceMs")) * time.Millisecond
			now = now.Add(advance)

			if s.Status == StatusOnline && rapid.Bool().Draw(rt, "goAway") {
				if err := s.OpenAway(AwayReason{Kind: AwayMeeting}, now); err != nil {
					rt.Fatalf("OpenAway failed: %v", err)
				}
			} else if s.Status == StatusBackSoon {
				if err := s.CloseAway(now); err != nil {
					rt.Fatalf("CloseAway failed: %v", err)
				}
			}
		}

		now = now.Add(time.Duration(rapid.Int64Range(0, 3600_000).Draw(rt, "finalMs")) * time.Millisecond)
		if !s.Finalize(now) {
			rt.Fatal("Expected finalize to close the session")
		}

		elapsed := s.ElapsedSeconds(now)
		if got := s.TotalOnlineSeconds + s.TotalAwaySeconds; got != elapsed {
			rt.Fatalf("Conservation violated: online %d + away %d != elapsed %d",
				s.TotalOnlineSeconds, s.TotalAwaySeconds, elapsed)
		}
		if s.TotalOnlineSeconds < 0 || s.TotalAwaySeconds < 0 {
			rt.Fatalf("Negative totals: online %d away %d", s.TotalOnlineSeconds, s.TotalAwaySeconds)
		}
	})
}
