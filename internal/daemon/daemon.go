// Package daemon wires the attendance engine to its collaborators and serves
// the control protocol over a Unix socket.
package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shiftwatch/shiftwatch/internal/camera"
	"github.com/shiftwatch/shiftwatch/internal/config"
	"github.com/shiftwatch/shiftwatch/internal/engine"
	"github.com/shiftwatch/shiftwatch/internal/facematch"
	"github.com/shiftwatch/shiftwatch/internal/liveness"
	"github.com/shiftwatch/shiftwatch/internal/session"
	"github.com/shiftwatch/shiftwatch/internal/store"
)

// Daemon owns the long-lived components: store, settings provider, camera
// and the per-worker engine manager.
type Daemon struct {
	cfg      *config.Config
	cfgPath  string
	logger   *logrus.Logger
	store    *store.Store
	provider *config.Provider
	manager  *engine.Manager
	camera   *camera.Camera
}

// New builds a daemon from the given config path. The camera is optional:
// when the device cannot be opened the daemon still runs, with the check-in
// liveness gate disabled.
func New(cfgPath string, verbose bool) (*Daemon, error) {
	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warnf("Failed to load config from %s: %v", cfgPath, err)
		logger.Info("Using default configuration")
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Logging.Level != "" {
		if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil && !verbose {
			logger.SetLevel(level)
		}
	}

	st, err := store.New(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	provider := config.NewProvider(cfg.Verification, logger)

	d := &Daemon{
		cfg:      cfg,
		cfgPath:  cfgPath,
		logger:   logger,
		store:    st,
		provider: provider,
	}

	cam, err := camera.New(cfg.Camera, logger)
	if err != nil {
		logger.Warnf("Camera unavailable (%v), liveness gate disabled", err)
	} else {
		d.camera = cam
	}

	deps := engine.Deps{
		Store:      st,
		Activity:   st,
		Incidents:  st,
		Settings:   provider,
		Comparator: facematch.Cosine{},
		Notifier:   &logNotifier{logger: logger},
		Logger:     logger,
	}
	if d.camera != nil {
		deps.Frames = d.camera
	}
	d.manager = engine.NewManager(deps, st)

	return d, nil
}

// Run serves the control socket until the context is cancelled or a shutdown
// signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.handleSignals(ctx, cancel)

	if d.camera != nil {
		if err := d.camera.Start(); err != nil {
			d.logger.Warnf("Failed to start camera (%v), liveness gate disabled", err)
			d.camera = nil
		}
	}

	if d.cfgPath != "" {
		if err := d.provider.Watch(d.cfgPath); err != nil {
			d.logger.Warnf("Settings hot reload disabled: %v", err)
		}
	}

	d.resumeSessions()

	listener, err := d.listen()
	if err != nil {
		return err
	}
	defer func() { _ = listener.Close() }()

	d.logger.Infof("Daemon listening on %s", d.cfg.Daemon.SocketPath)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					d.logger.Errorf("Accept error: %v", err)
					continue
				}
			}
			go d.handleConnection(ctx, conn)
		}
	}()

	<-ctx.Done()
	d.logger.Info("Daemon shutting down...")

	d.manager.Shutdown()
	if d.camera != nil {
		_ = d.camera.Close()
	}
	if err := d.store.Close(); err != nil {
		d.logger.Errorf("Failed to close store: %v", err)
	}
	_ = os.Remove(d.cfg.Daemon.SocketPath)

	return nil
}

func (d *Daemon) handleSignals(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGINT, syscall.SIGTERM:
					d.logger.Info("Received shutdown signal")
					cancel()
				case syscall.SIGHUP:
					d.logger.Info("Received reload signal (SIGHUP)")
					if err := d.provider.Reload(); err != nil {
						d.logger.Errorf("Failed to reload settings: %v", err)
					} else {
						d.logger.Info("Settings reloaded successfully")
					}
				}
			}
		}
	}()
}

// resumeSessions reattaches engines to sessions left open by a previous run.
func (d *Daemon) resumeSessions() {
	workers, err := d.store.Workers()
	if err != nil {
		d.logger.Errorf("Failed to list workers for resume: %v", err)
		return
	}
	for _, w := range workers {
		e, err := d.manager.Resume(d.store, w.WorkerID)
		if err != nil {
			d.logger.Errorf("Failed to resume session for %s: %v", w.WorkerID, err)
			continue
		}
		if e != nil {
			d.logger.Infof("Resumed open session for worker %s", w.WorkerID)
		}
	}
}

func (d *Daemon) listen() (net.Listener, error) {
	socketPath := d.cfg.Daemon.SocketPath
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		d.logger.Warnf("Failed to create socket directory: %v", err)
		socketPath = "/tmp/shiftwatch.sock"
		d.cfg.Daemon.SocketPath = socketPath
	}

	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0660); err != nil {
		d.logger.Warnf("Failed to set socket permissions: %v", err)
	}

	return listener, nil
}

// handleConnection serves the line protocol: one command per line, one
// response line per command.
func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		response := d.dispatch(ctx, line)
		if _, err := fmt.Fprintln(conn, response); err != nil {
			d.logger.Errorf("Write error: %v", err)
			return
		}
	}
}

func (d *Daemon) dispatch(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "PING":
		return "PONG"
	case "ENROLL":
		return d.cmdEnroll(args)
	case "CHECKIN":
		return d.cmdCheckIn(ctx, args)
	case "AWAY":
		return d.cmdAway(args)
	case "RETURN":
		return d.cmdReturn(args)
	case "CHECKOUT":
		return d.cmdCheckOut(args)
	case "CAPTCHA":
		return d.cmdCaptcha(args)
	case "FACE":
		return d.cmdFace(ctx, args)
	case "SKIP_FACE":
		return d.cmdSkipFace(args)
	case "ACTIVITY":
		return d.cmdActivity(args)
	case "STATUS":
		return d.cmdStatus(args)
	default:
		return "ERROR unknown command: " + cmd
	}
}

func (d *Daemon) cmdEnroll(args []string) string {
	if len(args) < 2 {
		return "ERROR usage: ENROLL <worker> <descriptor-b64> [name]"
	}
	descriptor, err := parseDescriptor(args[1])
	if err != nil {
		return "ERROR " + err.Error()
	}
	name := args[0]
	if len(args) > 2 {
		name = strings.Join(args[2:], " ")
	}
	if err := d.store.Enroll(args[0], name, descriptor); err != nil {
		return "ERROR " + err.Error()
	}
	d.logger.Infof("Enrolled worker %s (%d-dim descriptor)", args[0], len(descriptor))
	return "OK enrolled"
}

func (d *Daemon) cmdCheckIn(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "ERROR usage: CHECKIN <worker> <descriptor-b64>"
	}
	descriptor, err := parseDescriptor(args[1])
	if err != nil {
		return "ERROR " + err.Error()
	}

	e, err := d.manager.CheckIn(ctx, args[0], descriptor)
	if err != nil {
		return "ERROR " + err.Error()
	}
	return "OK session " + e.Snapshot().ID
}

func (d *Daemon) cmdAway(args []string) string {
	if len(args) < 2 {
		return "ERROR usage: AWAY <worker> <meeting|restroom|other> [text]"
	}
	e, err := d.manager.Get(args[0])
	if err != nil {
		return "ERROR " + err.Error()
	}

	reason, err := parseAwayReason(args[1], strings.Join(args[2:], " "))
	if err != nil {
		return "ERROR " + err.Error()
	}
	if err := e.GoBackSoon(reason); err != nil {
		return "ERROR " + err.Error()
	}
	return "OK back_soon"
}

func (d *Daemon) cmdReturn(args []string) string {
	if len(args) < 1 {
		return "ERROR usage: RETURN <worker>"
	}
	e, err := d.manager.Get(args[0])
	if err != nil {
		return "ERROR " + err.Error()
	}
	if err := e.ReturnOnline(); err != nil {
		return "ERROR " + err.Error()
	}
	return "OK online"
}

func (d *Daemon) cmdCheckOut(args []string) string {
	if len(args) < 1 {
		return "ERROR usage: CHECKOUT <worker>"
	}
	e, err := d.manager.Get(args[0])
	if err != nil {
		return "ERROR " + err.Error()
	}
	if err := e.CheckOut("worker request"); err != nil {
		return "ERROR " + err.Error()
	}
	d.manager.Cleanup()
	return "OK offline"
}

func (d *Daemon) cmdCaptcha(args []string) string {
	if len(args) < 2 {
		return "ERROR usage: CAPTCHA <worker> <answer>"
	}
	e, err := d.manager.Get(args[0])
	if err != nil {
		return "ERROR " + err.Error()
	}

	ok, err := e.SubmitCaptcha(strings.Join(args[1:], " "))
	if err != nil {
		d.manager.Cleanup()
		return "ERROR " + err.Error()
	}
	if !ok {
		if e.Snapshot().Status == session.StatusOffline {
			d.manager.Cleanup()
			return "FAILED checked_out"
		}
		return "FAILED try_again"
	}
	return "OK accepted"
}

func (d *Daemon) cmdFace(ctx context.Context, args []string) string {
	if len(args) < 2 {
		return "ERROR usage: FACE <worker> <descriptor-b64>"
	}
	e, err := d.manager.Get(args[0])
	if err != nil {
		return "ERROR " + err.Error()
	}
	descriptor, err := parseDescriptor(args[1])
	if err != nil {
		return "ERROR " + err.Error()
	}

	frames, err := d.captureBurst(ctx)
	if err != nil {
		return "ERROR " + err.Error()
	}

	ok, err := e.SubmitFaceVerification(frames, descriptor)
	if err != nil {
		d.manager.Cleanup()
		return "ERROR " + err.Error()
	}
	if !ok {
		d.manager.Cleanup()
		return "FAILED checked_out"
	}
	return "OK verified"
}

func (d *Daemon) cmdSkipFace(args []string) string {
	if len(args) < 1 {
		return "ERROR usage: SKIP_FACE <worker>"
	}
	e, err := d.manager.Get(args[0])
	if err != nil {
		return "ERROR " + err.Error()
	}
	if err := e.SkipFaceVerification(); err != nil {
		return "ERROR " + err.Error()
	}
	d.manager.Cleanup()
	return "OK checked_out"
}

func (d *Daemon) cmdActivity(args []string) string {
	if len(args) < 1 {
		return "ERROR usage: ACTIVITY <worker>"
	}
	e, err := d.manager.Get(args[0])
	if err != nil {
		return "ERROR " + err.Error()
	}
	e.RecordActivity()
	return "OK"
}

func (d *Daemon) cmdStatus(args []string) string {
	if len(args) < 1 {
		return "ERROR usage: STATUS <worker>"
	}
	e, err := d.manager.Get(args[0])
	if err != nil {
		if err == engine.ErrNotCheckedIn {
			return `{"status":"offline"}`
		}
		return "ERROR " + err.Error()
	}

	snap := e.Snapshot()
	payload, err := json.Marshal(statusReport(snap))
	if err != nil {
		return "ERROR " + err.Error()
	}
	return string(payload)
}

// captureBurst grabs the spoof-gate frame burst from the camera for a face
// re-verification.
func (d *Daemon) captureBurst(ctx context.Context) ([]liveness.Frame, error) {
	if d.camera == nil {
		return nil, fmt.Errorf("no camera available for face verification")
	}

	snap := d.provider.Current()
	count := snap.SpoofFrameCount
	if count <= 0 {
		count = 3
	}

	frames := make([]liveness.Frame, 0, count)
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		f, err := d.camera.CaptureFrame()
		if err != nil {
			return nil, fmt.Errorf("frame capture failed: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// report is the STATUS response shape.
type report struct {
	Status             string `json:"status"`
	SessionID          string `json:"session_id"`
	CheckInMs          int64  `json:"check_in_ms"`
	TotalOnlineSeconds int64  `json:"total_online_seconds"`
	TotalAwaySeconds   int64  `json:"total_away_seconds"`
	AwayReason         string `json:"away_reason,omitempty"`
	FaceVerifications  int    `json:"face_verifications"`
}

func statusReport(snap *session.Session) report {
	r := report{
		Status:             string(snap.Status),
		SessionID:          snap.ID,
		CheckInMs:          snap.CheckInTime.UnixMilli(),
		TotalOnlineSeconds: snap.TotalOnlineSeconds,
		TotalAwaySeconds:   snap.TotalAwaySeconds,
		FaceVerifications:  snap.FaceVerificationCount,
	}
	if ev, ok := snap.OpenAwayEvent(); ok {
		r.AwayReason = string(ev.Reason.Kind)
	}
	return r
}

func parseAwayReason(kind, text string) (session.AwayReason, error) {
	switch strings.ToLower(kind) {
	case "meeting":
		return session.AwayReason{Kind: session.AwayMeeting}, nil
	case "restroom":
		return session.AwayReason{Kind: session.AwayRestroom}, nil
	case "other":
		return session.AwayReason{Kind: session.AwayOther, Text: text}, nil
	default:
		return session.AwayReason{}, fmt.Errorf("unknown away reason: %s", kind)
	}
}

// parseDescriptor decodes a base64 string of little-endian float32s.
func parseDescriptor(encoded string) ([]float32, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor encoding: %w", err)
	}
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil, fmt.Errorf("invalid descriptor length: %d bytes", len(blob))
	}
	descriptor := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &descriptor); err != nil {
		return nil, fmt.Errorf("invalid descriptor payload: %w", err)
	}
	return descriptor, nil
}

// logNotifier surfaces challenge events in the daemon log. A kiosk UI would
// implement engine.Notifier over its own transport instead.
type logNotifier struct {
	logger *logrus.Logger
}

func (n *logNotifier) ChallengeWarning(workerID string, kind engine.ChallengeKind, lead time.Duration) {
	n.logger.Infof("Challenge warning for %s: %s due in %s", workerID, kind, lead)
}

func (n *logNotifier) CaptchaPresented(workerID string, c engine.Captcha, timeout time.Duration) {
	n.logger.Infof("Captcha for %s: %q (answer within %s)", workerID, c.Question, timeout)
}

func (n *logNotifier) FaceCheckPresented(workerID string, timeout time.Duration) {
	n.logger.Infof("Face re-verification for %s (complete within %s)", workerID, timeout)
}

func (n *logNotifier) SessionEnded(workerID string, incidentType string) {
	if incidentType == "" {
		n.logger.Infof("Session ended for %s", workerID)
		return
	}
	n.logger.Warnf("Session ended for %s: %s", workerID, incidentType)
}
