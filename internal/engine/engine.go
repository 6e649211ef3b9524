package engine

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shiftwatch/shiftwatch/internal/config"
	"github.com/shiftwatch/shiftwatch/internal/liveness"
	"github.com/shiftwatch/shiftwatch/internal/session"
)

type challengeKind int

const (
	pendingNone challengeKind = iota
	pendingCaptcha
	pendingFace
)

// pendingChallenge tracks the one challenge currently awaiting an answer,
// together with the settings snapshot its cycle was armed with and the id of
// its timeout task.
type pendingChallenge struct {
	kind        challengeKind
	captcha     Captcha
	settings    config.Settings
	timeoutTask uint64
}

// Engine drives a single worker's session. All mutating calls are serialized
// by one mutex; timers run on the engine's own task loop and re-validate the
// session generation before touching anything, so a transition always beats
// a concurrently firing timer.
type Engine struct {
	deps Deps
	log  *logrus.Logger

	mu            sync.Mutex
	sess          *session.Session
	refDescriptor []float32
	gen           uint64 // bumped on every status transition; stale timers check it
	pending       pendingChallenge
	timers        *timerLoop
	closed        bool
}

// CheckIn creates a new Online session for the worker and arms the challenge
// scheduler. The caller performed the spoof-gate and face-match decision
// before invoking this; refDescriptor is the enrolled face descriptor that
// later re-verifications are compared against.
func CheckIn(deps Deps, workerID string, refDescriptor []float32) (*Engine, error) {
	e := &Engine{
		deps:          deps,
		log:           deps.Logger,
		sess:          session.New(workerID, time.Now()),
		refDescriptor: refDescriptor,
		timers:        newTimerLoop(),
	}

	if err := deps.Store.Save(e.sess); err != nil {
		e.timers.stop()
		return nil, &session.InfrastructureError{Op: "check_in save", Err: err}
	}

	e.logActivity("check_in", "worker checked in", nil)
	e.log.Infof("Worker %s checked in (session %s)", workerID, e.sess.ID)

	e.mu.Lock()
	e.armCaptchaCycle(0)
	e.scheduleHeartbeat()
	e.mu.Unlock()

	return e, nil
}

// Resume rebuilds an engine around a session loaded from the store, used
// after a daemon restart. The session must still be Online or BackSoon.
func Resume(deps Deps, sess *session.Session, refDescriptor []float32) (*Engine, error) {
	if sess.Status == session.StatusOffline {
		return nil, session.ErrSessionClosed
	}

	e := &Engine{
		deps:          deps,
		log:           deps.Logger,
		sess:          sess,
		refDescriptor: refDescriptor,
		timers:        newTimerLoop(),
	}

	e.mu.Lock()
	if sess.Status == session.StatusOnline {
		e.armCaptchaCycle(0)
	}
	e.scheduleHeartbeat()
	e.mu.Unlock()

	e.log.Infof("Resumed session %s for worker %s (%s)", sess.ID, sess.WorkerID, sess.Status)
	return e, nil
}

// WorkerID returns the owning worker's id.
func (e *Engine) WorkerID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.WorkerID
}

// Snapshot returns a deep copy of the current session state.
func (e *Engine) Snapshot() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone()
}

// RecordActivity marks the worker as active, feeding the inactivity watchdog.
func (e *Engine) RecordActivity() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.Status == session.StatusOffline {
		return
	}
	e.sess.Touch(time.Now())
}

// GoBackSoon transitions Online -> BackSoon, opens an away event, and disarms
// the challenge timers: no challenge fires while the worker is away.
func (e *Engine) GoBackSoon(reason session.AwayReason) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sess.OpenAway(reason, time.Now()); err != nil {
		return err
	}
	e.invalidateChallenges()
	e.logActivity("back_soon", "worker stepped away: "+string(reason.Kind), nil)

	return e.persist("go_back_soon")
}

// ReturnOnline transitions BackSoon -> Online, closes the open away event,
// and re-arms the challenge scheduler.
func (e *Engine) ReturnOnline() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.sess.CloseAway(time.Now()); err != nil {
		return err
	}
	e.invalidateChallenges()
	e.armCaptchaCycle(0)
	e.logActivity("return_online", "worker returned", nil)

	return e.persist("return_online")
}

// CheckOut finalizes the session. Idempotent: calling it on an already
// Offline session is a no-op, not an error, and emits nothing twice.
func (e *Engine) CheckOut(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.finalize() {
		return nil
	}

	e.logActivity("check_out", "worker checked out: "+reason, nil)
	e.notifyEnded("")
	e.log.Infof("Worker %s checked out (session %s, online %ds, away %ds)",
		e.sess.WorkerID, e.sess.ID, e.sess.TotalOnlineSeconds, e.sess.TotalAwaySeconds)

	return e.persist("check_out")
}

// ForceCheckout is CheckOut plus an incident report, used by every
// escalation path.
func (e *Engine) ForceCheckout(incidentType, description string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.escalate(incidentType, description)
}

// SubmitCaptcha answers the pending CAPTCHA. Returns whether the answer was
// accepted. A wrong answer is counted and a fresh CAPTCHA is presented
// immediately until the attempt budget is exhausted.
func (e *Engine) SubmitCaptcha(answer string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.Status == session.StatusOffline {
		return false, session.ErrSessionClosed
	}
	if e.pending.kind != pendingCaptcha {
		return false, session.ErrNoPendingChallenge
	}

	snap := e.pending.settings
	e.timers.cancel(e.pending.timeoutTask)
	now := time.Now()
	e.sess.Touch(now)

	if e.pending.captcha.Check(answer) {
		e.pending = pendingChallenge{}
		e.sess.CaptchaAttempts = 0
		e.sess.CaptchaSuccessStreak++
		e.logActivity("captcha_passed", "captcha answered correctly", nil)

		// Fresh settings decide the next cycle, including whether the
		// streak has unlocked a face re-verification.
		next := e.deps.Settings.Current()
		if e.sess.CaptchaSuccessStreak >= next.CaptchasBeforeFace {
			e.armFaceCycle(snap.CaptchaCooldown())
		} else {
			e.armCaptchaCycle(snap.CaptchaCooldown())
		}
		return true, e.persist("captcha_success")
	}

	e.sess.CaptchaAttempts++
	e.logActivity("captcha_failed", "wrong captcha answer", map[string]string{
		"attempts": itoa(e.sess.CaptchaAttempts),
	})

	if e.sess.CaptchaAttempts >= snap.CaptchaMaxAttempts {
		return false, e.escalate(session.IncidentCaptchaExhausted, "captcha attempt budget exhausted")
	}

	e.presentCaptcha(snap)
	return false, e.persist("captcha_failure")
}

// SubmitFaceVerification answers the pending face challenge with a burst of
// captured frames and the freshly extracted face descriptor. The frames pass
// through the spoof gate first; then the descriptor is compared against the
// enrolled reference. Any failure converges on the shared escalation path.
func (e *Engine) SubmitFaceVerification(frames []liveness.Frame, descriptor []float32) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.Status == session.StatusOffline {
		return false, session.ErrSessionClosed
	}
	if e.pending.kind != pendingFace {
		return false, session.ErrNoPendingChallenge
	}

	snap := e.pending.settings
	e.timers.cancel(e.pending.timeoutTask)
	e.sess.Touch(time.Now())

	verdict := liveness.EvaluateFrames(frames, spoofThresholds(snap))
	if !verdict.IsReal {
		desc := "spoof gate rejected frames: " + strings.Join(verdict.Reasons, "; ")
		return false, e.escalate(session.IncidentFaceFailed, desc)
	}

	similarity := e.deps.Comparator.Compare(e.refDescriptor, descriptor)
	if similarity < snap.SimilarityMinimum {
		desc := "face similarity below threshold"
		return false, e.escalate(session.IncidentFaceFailed, desc)
	}

	e.pending = pendingChallenge{}
	e.sess.CaptchaSuccessStreak = 0
	e.sess.CaptchaAttempts = 0
	e.sess.FaceVerificationCount++
	e.logActivity("face_verified", "face re-verification passed", map[string]string{
		"similarity": ftoa(similarity),
	})

	e.armCaptchaCycle(snap.CaptchaCooldown())
	return true, e.persist("face_success")
}

// SkipFaceVerification declines the pending face challenge. Semantically
// equivalent to a failure: the worker could not prove liveness.
func (e *Engine) SkipFaceVerification() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sess.Status == session.StatusOffline {
		return session.ErrSessionClosed
	}
	if e.pending.kind != pendingFace {
		return session.ErrNoPendingChallenge
	}

	e.timers.cancel(e.pending.timeoutTask)
	return e.escalate(session.IncidentFaceSkipped, "worker skipped face re-verification")
}

// Flush retries persisting the current state after an InfrastructureError.
// The mutation is already applied in memory; only the save is repeated.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persist("flush")
}

// Close stops the timer loop without touching session state. Used when the
// owning manager disposes an engine whose session already ended.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.timers.stop()
}

// --- challenge scheduling ---

// armCaptchaCycle schedules the warning and the CAPTCHA presentation for the
// next cycle, starting after delay. The settings snapshot is taken here and
// rides along for the whole cycle; the next cycle re-fetches.
func (e *Engine) armCaptchaCycle(delay time.Duration) {
	snap := e.deps.Settings.Current()
	gen := e.gen

	warningAt := delay + snap.CaptchaInterval() - snap.CaptchaWarning()
	challengeAt := delay + snap.CaptchaInterval()

	e.timers.schedule(warningAt, func() {
		e.ifCurrent(gen, func() {
			e.notifyWarning(ChallengeCaptcha, snap.CaptchaWarning())
		})
	})
	e.timers.schedule(challengeAt, func() {
		e.ifCurrent(gen, func() {
			e.presentCaptcha(snap)
			if err := e.persist("captcha_presented"); err != nil {
				e.log.Errorf("Failed to persist challenge presentation: %v", err)
			}
		})
	})
}

// armFaceCycle schedules a face re-verification with its own short warning
// window in place of the next CAPTCHA.
func (e *Engine) armFaceCycle(delay time.Duration) {
	snap := e.deps.Settings.Current()
	gen := e.gen

	e.timers.schedule(delay, func() {
		e.ifCurrent(gen, func() {
			e.notifyWarning(ChallengeFace, snap.FaceWarning())
		})
	})
	e.timers.schedule(delay+snap.FaceWarning(), func() {
		e.ifCurrent(gen, func() {
			e.presentFace(snap)
			if err := e.persist("face_presented"); err != nil {
				e.log.Errorf("Failed to persist challenge presentation: %v", err)
			}
		})
	})
}

// presentCaptcha generates and presents a fresh CAPTCHA and arms its timeout.
// Caller holds the engine mutex.
func (e *Engine) presentCaptcha(snap config.Settings) {
	c := generateCaptcha()
	now := time.Now()
	e.sess.LastChallengeTime = now

	gen := e.gen
	timeoutTask := e.timers.schedule(snap.CaptchaTimeout(), func() {
		e.ifCurrent(gen, func() {
			// Unanswered is its own failure type: it always forces
			// checkout regardless of remaining attempts.
			if err := e.escalate(session.IncidentCaptchaTimeout, "captcha unanswered within deadline"); err != nil {
				e.log.Errorf("Captcha timeout escalation: %v", err)
			}
		})
	})

	e.pending = pendingChallenge{
		kind:        pendingCaptcha,
		captcha:     c,
		settings:    snap,
		timeoutTask: timeoutTask,
	}

	if e.deps.Notifier != nil {
		e.deps.Notifier.CaptchaPresented(e.sess.WorkerID, c, snap.CaptchaTimeout())
	}
	e.log.Debugf("Captcha presented to %s: %s", e.sess.WorkerID, c.Question)
}

// presentFace presents the face re-verification challenge and arms its
// timeout. Caller holds the engine mutex.
func (e *Engine) presentFace(snap config.Settings) {
	now := time.Now()
	e.sess.LastChallengeTime = now

	gen := e.gen
	timeoutTask := e.timers.schedule(snap.FaceTimeout(), func() {
		e.ifCurrent(gen, func() {
			if err := e.escalate(session.IncidentFaceTimeout, "face re-verification not completed within deadline"); err != nil {
				e.log.Errorf("Face timeout escalation: %v", err)
			}
		})
	})

	e.pending = pendingChallenge{
		kind:        pendingFace,
		settings:    snap,
		timeoutTask: timeoutTask,
	}

	if e.deps.Notifier != nil {
		e.deps.Notifier.FaceCheckPresented(e.sess.WorkerID, snap.FaceTimeout())
	}
	e.log.Debugf("Face re-verification requested from %s", e.sess.WorkerID)
}

// scheduleHeartbeat arms the self-rescheduling inactivity watchdog. It runs
// on every heartbeat tick independent of the challenge timers.
func (e *Engine) scheduleHeartbeat() {
	snap := e.deps.Settings.Current()

	e.timers.schedule(snap.Heartbeat(), func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.closed || e.sess.Status == session.StatusOffline {
			return
		}

		current := e.deps.Settings.Current()
		idle := time.Since(e.sess.LastActivityTime)
		if idle > current.InactivityTimeout() {
			if err := e.escalate(session.IncidentInactivity, "no worker activity for "+idle.Round(time.Second).String()); err != nil {
				e.log.Errorf("Inactivity escalation: %v", err)
			}
			return
		}

		e.scheduleHeartbeat()
	})
}

// ifCurrent runs fn under the engine mutex only if the session has not
// transitioned since the timer was armed. A fired-but-stale callback becomes
// a no-op instead of mutating a session that already moved on.
func (e *Engine) ifCurrent(gen uint64, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.gen != gen || e.sess.Status != session.StatusOnline {
		return
	}
	fn()
}

// invalidateChallenges bumps the generation and cancels all armed timers
// except the heartbeat, which re-arms itself. Caller holds the mutex.
func (e *Engine) invalidateChallenges() {
	e.gen++
	e.pending = pendingChallenge{}
	e.timers.cancelAll()
	e.scheduleHeartbeat()
}

// --- escalation and finalization ---

// escalate is the single path every failure mode converges on: one incident
// report, one audit entry, then forced checkout. Caller holds the mutex.
// Idempotent against an already-Offline session.
func (e *Engine) escalate(incidentType, description string) error {
	if e.sess.Status == session.StatusOffline {
		return nil
	}

	attempts := e.sess.CaptchaAttempts
	if err := e.deps.Incidents.RecordIncident(e.sess.WorkerID, incidentType, attempts, "", description); err != nil {
		// Escalation still proceeds; leaving the session open would be
		// worse than the audit gap.
		e.log.Errorf("Failed to record incident %s for %s: %v", incidentType, e.sess.WorkerID, err)
	}
	e.logActivity("escalation", incidentType+": "+description, map[string]string{
		"incident_type": incidentType,
		"attempts":      itoa(attempts),
	})

	e.finalize()
	e.notifyEnded(incidentType)
	e.log.Warnf("Forced checkout for %s: %s (%s)", e.sess.WorkerID, incidentType, description)

	return e.persist("force_checkout")
}

// finalize closes the session and disarms everything. Returns false if the
// session was already Offline. Caller holds the mutex.
func (e *Engine) finalize() bool {
	if !e.sess.Finalize(time.Now()) {
		return false
	}
	e.gen++
	e.pending = pendingChallenge{}
	e.timers.stop()
	return true
}

// --- collaborator helpers ---

// persist saves the current state, wrapping failures as InfrastructureError.
// The in-memory mutation stays applied so Flush can retry.
func (e *Engine) persist(op string) error {
	if err := e.deps.Store.Save(e.sess); err != nil {
		return &session.InfrastructureError{Op: op, Err: err}
	}
	return nil
}

func (e *Engine) logActivity(eventType, description string, metadata map[string]string) {
	if err := e.deps.Activity.RecordActivity(e.sess.WorkerID, eventType, description, metadata); err != nil {
		e.log.Warnf("Activity log write failed (%s): %v", eventType, err)
	}
}

func (e *Engine) notifyWarning(kind ChallengeKind, lead time.Duration) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.ChallengeWarning(e.sess.WorkerID, kind, lead)
	}
}

func (e *Engine) notifyEnded(incidentType string) {
	if e.deps.Notifier != nil {
		e.deps.Notifier.SessionEnded(e.sess.WorkerID, incidentType)
	}
}

// spoofThresholds maps a settings snapshot onto the gate's threshold set.
func spoofThresholds(s config.Settings) liveness.Thresholds {
	return liveness.Thresholds{
		MinSharpness:          s.MinSharpness,
		MinContrast:           s.MinContrast,
		MinColorfulness:       s.MinColorfulness,
		MaxTexture:            s.MaxTexture,
		MinBrightness:         s.MinBrightness,
		MaxBrightness:         s.MaxBrightness,
		MinConfidence:         s.MinConfidence,
		FrameCount:            s.SpoofFrameCount,
		InterFrameDelay:       time.Duration(s.SpoofFrameDelayMillis) * time.Millisecond,
		MaxConfidenceVariance: s.MaxConfidenceVariance,
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) }

// motionBounds maps a settings snapshot onto the motion detector's bounds.
func motionBounds(s config.Settings) liveness.MotionBounds {
	return liveness.MotionBounds{
		Min:          s.MotionMinScore,
		Max:          s.MotionMaxScore,
		SampleWindow: time.Duration(s.MotionWindowMillis) * time.Millisecond,
		SampleEvery:  time.Duration(s.MotionSampleMillis) * time.Millisecond,
	}
}
