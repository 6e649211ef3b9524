package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shiftwatch/shiftwatch/internal/liveness"
	"github.com/shiftwatch/shiftwatch/internal/session"
)

var (
	// ErrAlreadyCheckedIn is returned when a worker with an open session
	// tries to check in again.
	ErrAlreadyCheckedIn = errors.New("worker already has an open session")

	// ErrNotCheckedIn is returned for operations on a worker without an
	// open session.
	ErrNotCheckedIn = errors.New("worker has no open session")

	// ErrSpoofDetected is returned when the check-in liveness gate rejects
	// the presented frames.
	ErrSpoofDetected = errors.New("liveness check failed")

	// ErrFaceMismatch is returned when the check-in face comparison falls
	// below the similarity threshold.
	ErrFaceMismatch = errors.New("face does not match enrolled descriptor")
)

// DescriptorSource hands out the enrolled reference descriptor for a worker.
type DescriptorSource interface {
	Descriptor(workerID string) ([]float32, error)
}

// SessionLoader loads a worker's open session from persistent storage, used
// to resume sessions across daemon restarts.
type SessionLoader interface {
	LoadActive(workerID string) (*session.Session, error)
}

// Manager owns one Engine per worker with an open session. Check-in runs the
// liveness gate and face comparison before an engine is created; everything
// after that is routed to the worker's engine.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*Engine

	deps        Deps
	descriptors DescriptorSource
}

// NewManager creates a manager with no active engines.
func NewManager(deps Deps, descriptors DescriptorSource) *Manager {
	return &Manager{
		engines:     make(map[string]*Engine),
		deps:        deps,
		descriptors: descriptors,
	}
}

// CheckIn verifies the worker is a live, matching person and opens a session.
// The descriptor is the one extracted from the presented face by the external
// embedding model; it is compared against the worker's enrolled reference.
// A spoof-gate rejection is reported as a spoof_detected incident but opens
// no session.
func (m *Manager) CheckIn(ctx context.Context, workerID string, descriptor []float32) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.engines[workerID]; ok {
		if e.Snapshot().Status != session.StatusOffline {
			return nil, ErrAlreadyCheckedIn
		}
		e.Close()
		delete(m.engines, workerID)
	}

	ref, err := m.descriptors.Descriptor(workerID)
	if err != nil {
		return nil, err
	}

	if err := m.verifyLiveness(ctx, workerID); err != nil {
		return nil, err
	}

	snap := m.deps.Settings.Current()
	similarity := m.deps.Comparator.Compare(ref, descriptor)
	if similarity < snap.SimilarityMinimum {
		m.deps.Logger.Warnf("Check-in face mismatch for %s (similarity %.3f)", workerID, similarity)
		return nil, ErrFaceMismatch
	}

	e, err := CheckIn(m.deps, workerID, ref)
	if err != nil {
		return nil, err
	}
	m.engines[workerID] = e
	return e, nil
}

// verifyLiveness runs the multi-frame spoof gate and the motion classifier
// against the camera. Skipped entirely when no frame source is wired, which
// is how tests drive the manager.
func (m *Manager) verifyLiveness(ctx context.Context, workerID string) error {
	if m.deps.Frames == nil {
		return nil
	}

	snap := m.deps.Settings.Current()

	verdict, err := liveness.EvaluateCapture(ctx, m.deps.Frames, spoofThresholds(snap))
	if err != nil {
		return fmt.Errorf("liveness capture failed: %w", err)
	}
	if !verdict.IsReal {
		desc := "check-in rejected: " + strings.Join(verdict.Reasons, "; ")
		m.reportSpoof(workerID, desc)
		return ErrSpoofDetected
	}

	motion, err := liveness.SampleMotion(ctx, m.deps.Frames, motionBounds(snap))
	if err != nil {
		return fmt.Errorf("motion sampling failed: %w", err)
	}
	if motion.Class != liveness.MotionNatural {
		desc := fmt.Sprintf("check-in rejected: %s motion (score %.2f)", motion.Class, motion.Score)
		m.reportSpoof(workerID, desc)
		return ErrSpoofDetected
	}

	return nil
}

func (m *Manager) reportSpoof(workerID, description string) {
	if err := m.deps.Incidents.RecordIncident(workerID, session.IncidentSpoofDetected, 0, "", description); err != nil {
		m.deps.Logger.Errorf("Failed to record spoof incident for %s: %v", workerID, err)
	}
	m.deps.Logger.Warnf("Spoof detected for %s: %s", workerID, description)
}

// Resume reattaches an engine to a session the loader still reports open,
// called once per enrolled worker at daemon startup.
func (m *Manager) Resume(loader SessionLoader, workerID string) (*Engine, error) {
	sess, err := loader.LoadActive(workerID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	ref, err := m.descriptors.Descriptor(workerID)
	if err != nil {
		return nil, err
	}

	e, err := Resume(m.deps, sess, ref)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.engines[workerID] = e
	m.mu.Unlock()
	return e, nil
}

// Get returns the worker's engine, failing when the worker has no open
// session.
func (m *Manager) Get(workerID string) (*Engine, error) {
	m.mu.RLock()
	e, ok := m.engines[workerID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotCheckedIn
	}
	return e, nil
}

// Cleanup drops engines whose sessions have ended. Safe to run periodically.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.engines {
		if e.Snapshot().Status == session.StatusOffline {
			e.Close()
			delete(m.engines, id)
		}
	}
}

// Shutdown finalizes every open session. Used on daemon stop so no session
// is left dangling open across a restart it cannot survive.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.engines {
		if err := e.CheckOut("daemon shutdown"); err != nil {
			m.deps.Logger.Errorf("Failed to check out %s on shutdown: %v", id, err)
		}
		e.Close()
		delete(m.engines, id)
	}
}
