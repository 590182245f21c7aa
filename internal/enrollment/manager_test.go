package enrollment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-biometric-core/internal/device"
	"school-biometric-core/internal/directory"
	"school-biometric-core/internal/events"
	"school-biometric-core/internal/store"
)

type memEnrollStore struct {
	mu        sync.Mutex
	templates []*store.FingerprintTemplate
	records   []*store.EnrollmentRecord
}

func (m *memEnrollStore) SaveTemplate(t *store.FingerprintTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = append(m.templates, t)
	return nil
}

func (m *memEnrollStore) SaveEnrollmentRecord(r *store.EnrollmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

type fakeSyncer struct {
	err   error
	calls int
}

func (f *fakeSyncer) EnsureSynced(ctx context.Context, d *store.Device, student *directory.Student) (*store.SyncRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &store.SyncRecord{StudentID: student.ID, DeviceID: d.ID, DeviceUserID: 7}, nil
}

// enrollConn walks a scripted poll sequence; the last entry repeats
type enrollConn struct {
	mu           sync.Mutex
	polls        []device.EnrollStatus
	pollIdx      int
	template     []byte
	startCalls   int
	cancelCalls  int
	startErr     error
	cancelErr    error
	readErr      error
}

func (c *enrollConn) Probe(ctx context.Context) error                   { return nil }
func (c *enrollConn) GetInfo(ctx context.Context) (*device.Info, error) { return &device.Info{}, nil }
func (c *enrollConn) GetTime(ctx context.Context) (time.Time, error)    { return time.Time{}, nil }
func (c *enrollConn) CreateUser(ctx context.Context, user device.User) error {
	return nil
}
func (c *enrollConn) DeleteUser(ctx context.Context, deviceUserID uint16) error { return nil }
func (c *enrollConn) ReadTemplate(ctx context.Context, deviceUserID uint16, finger uint8) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return c.template, nil
}
func (c *enrollConn) WriteTemplate(ctx context.Context, deviceUserID uint16, finger uint8, template []byte) error {
	return nil
}
func (c *enrollConn) DeleteTemplate(ctx context.Context, deviceUserID uint16, finger uint8) error {
	return nil
}

func (c *enrollConn) StartEnroll(ctx context.Context, deviceUserID uint16, finger uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	return c.startErr
}

func (c *enrollConn) CancelEnroll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelCalls++
	return c.cancelErr
}

func (c *enrollConn) PollEnroll(ctx context.Context) (device.EnrollStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.polls) == 0 {
		return device.EnrollStatus{Stage: device.EnrollStagePlacing}, nil
	}
	status := c.polls[c.pollIdx]
	if c.pollIdx < len(c.polls)-1 {
		c.pollIdx++
	}
	return status, nil
}

func (c *enrollConn) Disconnect() error { return nil }

type fakeRunner struct {
	conn device.Conn
	err  error
}

func (f *fakeRunner) WithConn(ctx context.Context, d *store.Device, fn func(conn device.Conn) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(f.conn)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(eventType, schoolID string, data map[string]interface{}) events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := events.Event{Type: eventType, SchoolID: schoolID, Data: data}
	p.events = append(p.events, e)
	return e
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func testManager(t *testing.T, conn device.Conn, runnerErr error) (*Manager, *memEnrollStore, *recordingPublisher) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	st := &memEnrollStore{}
	pub := &recordingPublisher{}
	m := NewManager(Config{
		PollInterval:   2 * time.Millisecond,
		SessionTimeout: time.Second,
	}, st, &fakeSyncer{}, &fakeRunner{conn: conn, err: runnerErr}, pub, logger)
	return m, st, pub
}

func enrollDevice() *store.Device {
	return &store.Device{ID: "dev-1", SchoolID: "school-1"}
}

func enrollStudent() *directory.Student {
	return &directory.Student{ID: "stu-42", SchoolID: "school-1", Name: "Amina Okello", RollNumber: "7A-15"}
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not reach a terminal state")
	}
}

func TestManager_EnrollHappyPath(t *testing.T) {
	conn := &enrollConn{
		polls: []device.EnrollStatus{
			{Stage: device.EnrollStagePlacing},
			{Stage: device.EnrollStageCapturing},
			{Stage: device.EnrollStageProcessing},
			{Stage: device.EnrollStageComplete, Quality: 87},
		},
		template: []byte{0xAA, 0xBB},
	}
	m, st, pub := testManager(t, conn, nil)

	sess, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 1)
	require.NoError(t, err)
	waitDone(t, sess)

	snap := sess.Snapshot()
	assert.Equal(t, StatusComplete, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, 87, snap.Quality)
	require.NotNil(t, snap.EndedAt)

	require.Len(t, st.templates, 1)
	assert.Equal(t, "stu-42", st.templates[0].StudentID)
	assert.Equal(t, "dev-1", st.templates[0].DeviceID)
	assert.Equal(t, 1, st.templates[0].FingerIndex)
	assert.Equal(t, []byte{0xAA, 0xBB}, st.templates[0].Template)
	assert.Equal(t, sess.ID, st.templates[0].SessionID)

	require.Len(t, st.records, 1)
	assert.Equal(t, string(StatusComplete), st.records[0].Status)

	types := pub.types()
	assert.Equal(t, events.TypeEnrollmentStarted, types[0])
	assert.Equal(t, events.TypeEnrollmentCompleted, types[len(types)-1])
	assert.Contains(t, types, events.TypeEnrollmentProgress)

	// The start event is the 0% checkpoint
	pub.mu.Lock()
	started := pub.events[0]
	pub.mu.Unlock()
	assert.Equal(t, 0, started.Data["progress"])
	assert.Equal(t, string(StatusPlacing), started.Data["status"])

	assert.False(t, m.HasActiveSession("dev-1"))
}

func TestManager_ProgressNeverDecreases(t *testing.T) {
	// A finger lifted mid-capture makes the terminal report placing again
	conn := &enrollConn{
		polls: []device.EnrollStatus{
			{Stage: device.EnrollStageCapturing},
			{Stage: device.EnrollStagePlacing},
			{Stage: device.EnrollStageProcessing},
			{Stage: device.EnrollStageComplete, Quality: 71},
		},
		template: []byte{1},
	}
	m, _, pub := testManager(t, conn, nil)

	sess, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 0)
	require.NoError(t, err)
	waitDone(t, sess)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	last := -1
	lastRank := -1
	for _, e := range pub.events {
		p, ok := e.Data["progress"].(int)
		if !ok {
			continue
		}
		assert.GreaterOrEqual(t, p, last, "progress went backwards")
		last = p

		if status, ok := e.Data["status"].(string); ok {
			rank := stageRank(Status(status))
			assert.GreaterOrEqual(t, rank, lastRank, "status went backwards to %s", status)
			lastRank = rank
		}
	}
	assert.Equal(t, 100, last)

	// The re-reported placing stage must not surface anywhere
	for _, e := range pub.events[1:] {
		assert.NotEqual(t, string(StatusPlacing), e.Data["status"])
	}
}

func TestManager_ConflictOnBusyDevice(t *testing.T) {
	conn := &enrollConn{} // stays in placing forever
	m, _, _ := testManager(t, conn, nil)

	sess, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 0)
	require.NoError(t, err)
	assert.True(t, m.HasActiveSession("dev-1"))

	_, err = m.Start(context.Background(), enrollDevice(), enrollStudent(), 1)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, sess.ID, conflictErr.ActiveSessionID)

	require.NoError(t, m.Cancel(sess.ID))

	// The slot frees up once the session ends
	sess2, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 1)
	require.NoError(t, err)
	m.Cancel(sess2.ID)
}

func TestManager_FailedCapture(t *testing.T) {
	conn := &enrollConn{
		polls: []device.EnrollStatus{
			{Stage: device.EnrollStageCapturing},
			{Stage: device.EnrollStageFailed, Message: "poor quality, retry"},
		},
	}
	m, st, pub := testManager(t, conn, nil)

	sess, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 0)
	require.NoError(t, err)
	waitDone(t, sess)

	snap := sess.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, 20, snap.Progress, "failure keeps the progress already made")
	assert.Equal(t, "poor quality, retry", snap.Message)

	assert.Empty(t, st.templates)
	require.Len(t, st.records, 1)
	assert.Equal(t, string(StatusFailed), st.records[0].Status)

	assert.Contains(t, pub.types(), events.TypeEnrollmentFailed)
}

func TestManager_Cancel(t *testing.T) {
	conn := &enrollConn{}
	m, st, pub := testManager(t, conn, nil)

	sess, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 0)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(sess.ID))

	snap := sess.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)

	conn.mu.Lock()
	cancelCalls := conn.cancelCalls
	conn.mu.Unlock()
	assert.Equal(t, 1, cancelCalls, "device capture must be aborted")

	assert.Contains(t, pub.types(), events.TypeEnrollmentCancelled)
	require.Len(t, st.records, 1)
	assert.Equal(t, string(StatusCancelled), st.records[0].Status)

	// Cancelling a finished session is a no-op
	require.NoError(t, m.Cancel(sess.ID))
	assert.Len(t, st.records, 1)
}

func TestManager_CancelWithUnreachableDevice(t *testing.T) {
	conn := &enrollConn{
		cancelErr: &device.TransportError{Op: "send", Err: errors.New("reset")},
	}
	m, _, _ := testManager(t, conn, nil)

	sess, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 0)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(sess.ID))
	assert.Equal(t, StatusCancelled, sess.Snapshot().Status,
		"session cancels locally even when the device cannot be told")
}

func TestManager_SessionTimeout(t *testing.T) {
	conn := &enrollConn{} // never completes
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	st := &memEnrollStore{}
	m := NewManager(Config{
		PollInterval:   2 * time.Millisecond,
		SessionTimeout: 30 * time.Millisecond,
	}, st, &fakeSyncer{}, &fakeRunner{conn: conn}, &recordingPublisher{}, logger)

	sess, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 0)
	require.NoError(t, err)
	waitDone(t, sess)

	snap := sess.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "enrollment timed out", snap.Message)
}

func TestManager_StartFailsWhenSyncFails(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	syncErr := &device.TransportError{Op: "dial", Err: errors.New("refused")}
	m := NewManager(Config{}, &memEnrollStore{}, &fakeSyncer{err: syncErr},
		&fakeRunner{conn: &enrollConn{}}, &recordingPublisher{}, logger)

	_, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 0)
	require.Error(t, err)
	assert.True(t, device.IsTransport(err))
	assert.False(t, m.HasActiveSession("dev-1"), "failed start must release the device slot")
}

func TestManager_StartRejectsBadFinger(t *testing.T) {
	m, _, _ := testManager(t, &enrollConn{}, nil)

	_, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 10)
	require.Error(t, err)

	_, err = m.Start(context.Background(), enrollDevice(), enrollStudent(), -1)
	require.Error(t, err)
}

func TestManager_StartFailsWhenDeviceUnreachable(t *testing.T) {
	runnerErr := &device.TimeoutError{Op: "dial", Err: errors.New("timeout")}
	m, st, pub := testManager(t, &enrollConn{}, runnerErr)

	sess, err := m.Start(context.Background(), enrollDevice(), enrollStudent(), 0)
	require.NoError(t, err)
	waitDone(t, sess)

	snap := sess.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "device did not respond in time", snap.Message)
	require.Len(t, st.records, 1)
	assert.Contains(t, pub.types(), events.TypeEnrollmentFailed)
}

func TestManager_GetSessionUnknown(t *testing.T) {
	m, _, _ := testManager(t, &enrollConn{}, nil)

	_, err := m.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Cancel("missing"), ErrSessionNotFound)
}
