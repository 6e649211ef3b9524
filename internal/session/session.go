// Package session defines the attendance session data model and the pure
// mutation functions that move a session through its lifecycle.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusOnline   Status = "online"
	StatusBackSoon Status = "back_soon"
)

// AwayReason classifies why a worker stepped away.
type AwayReason struct {
	Kind AwayKind
	Text string // free text, only for KindOther
}

// AwayKind enumerates the canonical away reasons.
type AwayKind string

const (
	AwayMeeting  AwayKind = "meeting"
	AwayRestroom AwayKind = "restroom"
	AwayOther    AwayKind = "other"
)

// Incident types emitted on forced checkout.
const (
	IncidentCaptchaExhausted = "captcha_exhausted"
	IncidentCaptchaTimeout   = "captcha_timeout"
	IncidentFaceFailed       = "face_verification_failed"
	IncidentFaceSkipped      = "face_verification_skipped"
	IncidentFaceTimeout      = "face_verification_timeout"
	IncidentInactivity       = "inactivity"
	IncidentSpoofDetected    = "spoof_detected"
	IncidentManual           = "manual"
)

// AwayEvent is one bounded away interval. EndTime is nil while the event is
// open; at most one event per session may be open at a time.
type AwayEvent struct {
	ID              string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int64
	Reason          AwayReason
}

// Session is the single active attendance record for a worker. All mutation
// goes through the functions in this package (driven by the engine); callers
// only ever see copies.
type Session struct {
	ID       string
	WorkerID string
	Status   Status

	CheckInTime  time.Time
	CheckOutTime *time.Time

	AwayEvents []AwayEvent

	TotalOnlineSeconds int64
	TotalAwaySeconds   int64

	CaptchaAttempts       int
	CaptchaSuccessStreak  int
	FaceVerificationCount int

	LastActivityTime  time.Time
	LastChallengeTime time.Time
}

// New creates a fresh Online session for a worker. A closed session is never
// resurrected; every check-in allocates a new id.
func New(workerID string, now time.Time) *Session {
	return &Session{
		ID:               uuid.NewString(),
		WorkerID:         workerID,
		Status:           StatusOnline,
		CheckInTime:      now,
		LastActivityTime: now,
	}
}

// OpenAway transitions Online -> BackSoon and opens a new away event.
func (s *Session) OpenAway(reason AwayReason, now time.Time) error {
	if s.Status != StatusOnline {
		return &TransitionError{From: s.Status, Op: "go_back_soon"}
	}
	s.AwayEvents = append(s.AwayEvents, AwayEvent{
		ID:        uuid.NewString(),
		StartTime: now,
		Reason:    reason,
	})
	s.Status = StatusBackSoon
	s.LastActivityTime = now
	return nil
}

// CloseAway transitions BackSoon -> Online, closing the open away event and
// folding its duration into the away total.
func (s *Session) CloseAway(now time.Time) error {
	if s.Status != StatusBackSoon {
		return &TransitionError{From: s.Status, Op: "return_online"}
	}
	ev := s.openAway()
	if ev == nil {
		return &TransitionError{From: s.Status, Op: "return_online"}
	}
	end := now
	ev.EndTime = &end
	ev.DurationSeconds = floorSeconds(now.Sub(ev.StartTime))
	s.TotalAwaySeconds += ev.DurationSeconds
	s.Status = StatusOnline
	s.LastActivityTime = now
	return nil
}

// Finalize transitions Online/BackSoon -> Offline. An open away event is
// closed first. Calling Finalize on an already-Offline session is a no-op so
// checkout stays idempotent. Returns true if the session state changed.
func (s *Session) Finalize(now time.Time) bool {
	if s.Status == StatusOffline {
		return false
	}
	if s.Status == StatusBackSoon {
		_ = s.CloseAway(now)
	}
	end := now
	s.CheckOutTime = &end
	elapsed := floorSeconds(now.Sub(s.CheckInTime))
	online := elapsed - s.TotalAwaySeconds
	if online < 0 {
		online = 0
	}
	s.TotalOnlineSeconds = online
	s.Status = StatusOffline
	return true
}

// Touch records worker activity.
func (s *Session) Touch(now time.Time) {
	s.LastActivityTime = now
}

// ElapsedSeconds is whole seconds since check-in, against now or the checkout
// time once finalized.
func (s *Session) ElapsedSeconds(now time.Time) int64 {
	end := now
	if s.CheckOutTime != nil {
		end = *s.CheckOutTime
	}
	return floorSeconds(end.Sub(s.CheckInTime))
}

// OpenAwayEvent returns a copy of the currently open away event, if any.
func (s *Session) OpenAwayEvent() (AwayEvent, bool) {
	if ev := s.openAway(); ev != nil {
		return *ev, true
	}
	return AwayEvent{}, false
}

func (s *Session) openAway() *AwayEvent {
	for i := len(s.AwayEvents) - 1; i >= 0; i-- {
		if s.AwayEvents[i].EndTime == nil {
			return &s.AwayEvents[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to callers.
func (s *Session) Clone() *Session {
	c := *s
	c.AwayEvents = make([]AwayEvent, len(s.AwayEvents))
	copy(c.AwayEvents, s.AwayEvents)
	for i := range c.AwayEvents {
		if s.AwayEvents[i].EndTime != nil {
			end := *s.AwayEvents[i].EndTime
			c.AwayEvents[i].EndTime = &end
		}
	}
	if s.CheckOutTime != nil {
		end := *s.CheckOutTime
		c.CheckOutTime = &end
	}
	return &c
}

func floorSeconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
