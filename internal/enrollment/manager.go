package enrollment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"school-biometric-core/internal/device"
	"school-biometric-core/internal/directory"
	"school-biometric-core/internal/events"
	"school-biometric-core/internal/logging"
	"school-biometric-core/internal/store"
)

// ErrSessionNotFound is returned when no session matches the given id
var ErrSessionNotFound = errors.New("enrollment session not found")

// ConflictError reports that a device is already running an enrollment.
// Terminals capture one finger at a time; the active session must finish
// or be cancelled first.
type ConflictError struct {
	DeviceID        string
	ActiveSessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device %s is already enrolling (session %s)", e.DeviceID, e.ActiveSessionID)
}

// IsConflict reports whether err is an enrollment conflict
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// enrollStore is the slice of the store the manager needs
type enrollStore interface {
	SaveTemplate(t *store.FingerprintTemplate) error
	SaveEnrollmentRecord(r *store.EnrollmentRecord) error
}

// identitySyncer guarantees the student exists on the device before a
// capture starts
type identitySyncer interface {
	EnsureSynced(ctx context.Context, d *store.Device, student *directory.Student) (*store.SyncRecord, error)
}

// connRunner runs a function against a device's serialized connection
type connRunner interface {
	WithConn(ctx context.Context, d *store.Device, fn func(conn device.Conn) error) error
}

// publisher fans session transitions out to subscribers
type publisher interface {
	Publish(eventType, schoolID string, data map[string]interface{}) events.Event
}

// Config holds enrollment manager settings
type Config struct {
	// PollInterval between capture state reads
	PollInterval time.Duration

	// SessionTimeout bounds a whole capture, placement through processing
	SessionTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 60 * time.Second
	}
}

// Manager drives fingerprint enrollment sessions. One capture per device
// at a time; sessions poll the terminal until it reports a terminal
// capture state, then persist the template.
type Manager struct {
	cfg      Config
	store    enrollStore
	syncer   identitySyncer
	registry connRunner
	events   publisher
	logger   *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
	byDevice map[string]*Session
}

// NewManager creates an enrollment manager
func NewManager(cfg Config, st enrollStore, sync identitySyncer, reg connRunner, pub publisher, logger *logrus.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		store:    st,
		syncer:   sync,
		registry: reg,
		events:   pub,
		logger:   logging.NewComponentLogger(logger, "enrollment"),
		sessions: make(map[string]*Session),
		byDevice: make(map[string]*Session),
	}
}

// HasActiveSession reports whether the device is mid-capture. The health
// monitor uses this to leave busy devices alone.
func (m *Manager) HasActiveSession(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byDevice[deviceID]
	return ok
}

// GetSession looks a session up by id
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Start begins a capture for one of the student's fingers. The device
// slot is reserved before any device I/O, so a racing second Start fails
// with ConflictError rather than both sessions reaching the terminal.
func (m *Manager) Start(ctx context.Context, d *store.Device, student *directory.Student, finger int) (*Session, error) {
	if finger < 0 || finger > 9 {
		return nil, fmt.Errorf("finger index %d out of range", finger)
	}

	sess := &Session{
		ID:          uuid.NewString(),
		SchoolID:    d.SchoolID,
		StudentID:   student.ID,
		DeviceID:    d.ID,
		FingerIndex: finger,
		status:      StatusPlacing,
		startedAt:   time.Now().UTC(),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	if active, ok := m.byDevice[d.ID]; ok {
		m.mu.Unlock()
		return nil, &ConflictError{DeviceID: d.ID, ActiveSessionID: active.ID}
	}
	m.byDevice[d.ID] = sess
	m.mu.Unlock()

	rec, err := m.syncer.EnsureSynced(ctx, d, student)
	if err != nil {
		m.mu.Lock()
		delete(m.byDevice, d.ID)
		m.mu.Unlock()
		return nil, err
	}

	sessCtx, cancel := context.WithTimeout(context.Background(), m.cfg.SessionTimeout)
	sess.cancel = cancel

	// The session only becomes addressable once it can be cancelled
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"student_id": student.ID,
		"device_id":  d.ID,
		"finger":     finger,
	}).Info("Enrollment session started")

	m.events.Publish(events.TypeEnrollmentStarted, sess.SchoolID, map[string]interface{}{
		"session_id": sess.ID,
		"student_id": sess.StudentID,
		"device_id":  sess.DeviceID,
		"finger":     finger,
		"status":     string(StatusPlacing),
		"progress":   0,
	})

	go m.run(sessCtx, sess, d, uint16(rec.DeviceUserID))

	return sess, nil
}

// Cancel stops an in-progress session. Cancelling a session that already
// reached a terminal state is a no-op. When the device is unreachable the
// session is still marked cancelled locally.
func (m *Manager) Cancel(sessionID string) error {
	sess, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	if sess.Snapshot().Status.Terminal() {
		return nil
	}

	sess.cancel()
	<-sess.Done()
	return nil
}

// run drives one session against the device until a terminal state
func (m *Manager) run(ctx context.Context, sess *Session, d *store.Device, deviceUserID uint16) {
	defer func() {
		m.mu.Lock()
		if m.byDevice[d.ID] == sess {
			delete(m.byDevice, d.ID)
		}
		m.mu.Unlock()
		close(sess.done)
	}()
	defer sess.cancel()

	log := m.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"device_id":  d.ID,
	})

	err := m.registry.WithConn(ctx, d, func(conn device.Conn) error {
		if err := conn.StartEnroll(ctx, deviceUserID, uint8(sess.FingerIndex)); err != nil {
			return err
		}

		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.abortCapture(conn)
				return ctx.Err()
			case <-ticker.C:
			}

			status, err := conn.PollEnroll(ctx)
			if err != nil {
				return err
			}

			switch status.Stage {
			case device.EnrollStagePlacing:
				m.transition(sess, StatusPlacing, status.Quality, status.Message)
			case device.EnrollStageCapturing:
				m.transition(sess, StatusCapturing, status.Quality, status.Message)
			case device.EnrollStageProcessing:
				m.transition(sess, StatusProcessing, status.Quality, status.Message)
			case device.EnrollStageFailed:
				m.finish(sess, StatusFailed, status.Quality, failMessage(status.Message))
				return nil
			case device.EnrollStageComplete:
				template, err := conn.ReadTemplate(ctx, deviceUserID, uint8(sess.FingerIndex))
				if err != nil {
					return err
				}
				if err := m.store.SaveTemplate(&store.FingerprintTemplate{
					StudentID:   sess.StudentID,
					DeviceID:    sess.DeviceID,
					FingerIndex: sess.FingerIndex,
					Template:    template,
					Quality:     status.Quality,
					SessionID:   sess.ID,
				}); err != nil {
					return err
				}
				m.finish(sess, StatusComplete, status.Quality, "")
				return nil
			}
		}
	})

	if err != nil && !sess.Snapshot().Status.Terminal() {
		switch {
		case errors.Is(err, context.Canceled):
			m.finish(sess, StatusCancelled, 0, "")
		case errors.Is(err, context.DeadlineExceeded):
			m.finish(sess, StatusFailed, 0, "enrollment timed out")
		default:
			log.WithError(err).Warn("Enrollment session failed")
			m.finish(sess, StatusFailed, 0, device.Reason(err))
		}
	}

	m.persistRecord(sess)
}

// abortCapture tells the terminal to stop capturing. Best effort: a
// device that cannot be reached is left to time its capture out.
func (m *Manager) abortCapture(conn device.Conn) {
	cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.CancelEnroll(cctx); err != nil {
		m.logger.WithError(err).Debug("Failed to abort capture on device")
	}
}

// transition applies a non-terminal state and emits a progress event when
// something changed
func (m *Manager) transition(sess *Session, status Status, quality int, message string) {
	if !sess.advance(status, quality, message) {
		return
	}
	snap := sess.Snapshot()
	m.events.Publish(events.TypeEnrollmentProgress, sess.SchoolID, map[string]interface{}{
		"session_id": sess.ID,
		"status":     string(snap.Status),
		"progress":   snap.Progress,
	})
}

// finish applies a terminal state and emits the matching event
func (m *Manager) finish(sess *Session, status Status, quality int, message string) {
	if !sess.advance(status, quality, message) {
		return
	}

	snap := sess.Snapshot()
	data := map[string]interface{}{
		"session_id": sess.ID,
		"student_id": sess.StudentID,
		"device_id":  sess.DeviceID,
		"finger":     sess.FingerIndex,
		"progress":   snap.Progress,
	}

	eventType := events.TypeEnrollmentCompleted
	switch status {
	case StatusComplete:
		data["quality"] = snap.Quality
	case StatusFailed:
		eventType = events.TypeEnrollmentFailed
		data["reason"] = snap.Message
	case StatusCancelled:
		eventType = events.TypeEnrollmentCancelled
	}

	m.events.Publish(eventType, sess.SchoolID, data)
	m.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"status":     status,
	}).Info("Enrollment session ended")
}

// persistRecord writes the audit row for a finished session
func (m *Manager) persistRecord(sess *Session) {
	snap := sess.Snapshot()
	if !snap.Status.Terminal() {
		return
	}

	ended := snap.StartedAt
	if snap.EndedAt != nil {
		ended = *snap.EndedAt
	}

	record := &store.EnrollmentRecord{
		SessionID:   snap.ID,
		StudentID:   snap.StudentID,
		DeviceID:    snap.DeviceID,
		FingerIndex: snap.FingerIndex,
		Status:      string(snap.Status),
		Progress:    snap.Progress,
		Quality:     snap.Quality,
		Message:     snap.Message,
		StartedAt:   snap.StartedAt,
		EndedAt:     ended,
	}
	if err := m.store.SaveEnrollmentRecord(record); err != nil {
		m.logger.WithError(err).WithField("session_id", sess.ID).Error("Failed to persist enrollment record")
	}
}

func failMessage(deviceMessage string) string {
	if deviceMessage != "" {
		return deviceMessage
	}
	return "capture failed"
}
