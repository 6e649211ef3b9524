// Package engine owns the liveness-gated attendance session lifecycle: the
// Online/BackSoon/Offline state machine, the CAPTCHA and face-reverification
// scheduler, and the escalation path that turns every failure mode into a
// single forced checkout plus incident report.
package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shiftwatch/shiftwatch/internal/config"
	"github.com/shiftwatch/shiftwatch/internal/facematch"
	"github.com/shiftwatch/shiftwatch/internal/liveness"
	"github.com/shiftwatch/shiftwatch/internal/session"
)

// SessionStore persists session state. Saves are transactional per mutation;
// serializing concurrent saves for one session id is the store's concern.
type SessionStore interface {
	Save(*session.Session) error
}

// ActivityLog is the audit trail sink. Fire-and-forget: a failure here is
// logged but never blocks or fails an engine transition.
type ActivityLog interface {
	RecordActivity(workerID, eventType, description string, metadata map[string]string) error
}

// IncidentReporter receives exactly one record per escalation.
type IncidentReporter interface {
	RecordIncident(workerID, incidentType string, attempts int, frameRef, description string) error
}

// SettingsProvider hands out the current verification settings. The engine
// fetches a fresh snapshot at the start of every challenge cycle and never
// caches one beyond a single cycle.
type SettingsProvider interface {
	Current() config.Settings
}

// ChallengeKind distinguishes the two challenge flavors for notifications.
type ChallengeKind string

const (
	ChallengeCaptcha ChallengeKind = "captcha"
	ChallengeFace    ChallengeKind = "face"
)

// Notifier delivers challenge prompts and session events to the UI-equivalent
// caller. Fire-and-forget like the activity log.
type Notifier interface {
	ChallengeWarning(workerID string, kind ChallengeKind, lead time.Duration)
	CaptchaPresented(workerID string, c Captcha, timeout time.Duration)
	FaceCheckPresented(workerID string, timeout time.Duration)
	SessionEnded(workerID string, incidentType string)
}

// Deps bundles the collaborator ports threaded through every engine call.
// Explicit state instead of ambient globals: the engine reads nothing it is
// not handed here.
type Deps struct {
	Store      SessionStore
	Activity   ActivityLog
	Incidents  IncidentReporter
	Settings   SettingsProvider
	Comparator facematch.Comparator
	Frames     liveness.FrameSource // optional; only the spoof gate and motion sampling use it
	Notifier   Notifier             // optional
	Logger     *logrus.Logger
}
