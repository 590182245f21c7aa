package syncer

import (
	"context"
	"errors"
	"fmt"
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

// memStore is an in-memory syncStore
type memStore struct {
	mu        sync.Mutex
	records   map[string]*store.SyncRecord
	templates map[string]*store.FingerprintTemplate
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		records:   make(map[string]*store.SyncRecord),
		templates: make(map[string]*store.FingerprintTemplate),
	}
}

func pairKey(studentID, deviceID string) string { return studentID + "|" + deviceID }

func tplKey(studentID, deviceID string, finger int) string {
	return fmt.Sprintf("%s|%s|%d", studentID, deviceID, finger)
}

func (m *memStore) GetSyncRecord(studentID, deviceID string) (*store.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[pairKey(studentID, deviceID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (m *memStore) SaveSyncRecord(r *store.SyncRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	r.SyncedAt = time.Now()
	m.records[pairKey(r.StudentID, r.DeviceID)] = r
	return nil
}

func (m *memStore) DeleteSyncRecord(studentID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, pairKey(studentID, deviceID))
	return nil
}

func (m *memStore) NextDeviceUserID(deviceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, r := range m.records {
		if r.DeviceID == deviceID && r.DeviceUserID > max {
			max = r.DeviceUserID
		}
	}
	return max + 1, nil
}

func (m *memStore) ListDeviceSyncRecords(deviceID string) ([]*store.SyncRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.SyncRecord
	for _, r := range m.records {
		if r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListStudentTemplates(studentID string) ([]*store.FingerprintTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int]*store.FingerprintTemplate)
	for _, t := range m.templates {
		if t.StudentID == studentID {
			seen[t.FingerIndex] = t
		}
	}
	var out []*store.FingerprintTemplate
	for i := 0; i < 10; i++ {
		if t, ok := seen[i]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) ListEnrolledFingers(studentID, deviceID string) ([]*store.FingerprintTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.FingerprintTemplate
	for i := 0; i < 10; i++ {
		if t, ok := m.templates[tplKey(studentID, deviceID, i)]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) SaveTemplate(t *store.FingerprintTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[tplKey(t.StudentID, t.DeviceID, t.FingerIndex)] = t
	return nil
}

func (m *memStore) DeleteTemplate(studentID, deviceID string, fingerIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tplKey(studentID, deviceID, fingerIndex)
	if _, ok := m.templates[key]; !ok {
		return store.ErrNotFound
	}
	delete(m.templates, key)
	return nil
}

// scriptedConn records device writes and fails where told to
type scriptedConn struct {
	mu              sync.Mutex
	createUserCalls []device.User
	writes          []struct {
		UID    uint16
		Finger uint8
	}
	deletes []struct {
		UID    uint16
		Finger uint8
	}
	createUserErr   error
	createUserDelay time.Duration
	writeErrs       map[uint8]error
	deleteErr       error
}

func (c *scriptedConn) Probe(ctx context.Context) error                  { return nil }
func (c *scriptedConn) GetInfo(ctx context.Context) (*device.Info, error) { return &device.Info{}, nil }
func (c *scriptedConn) GetTime(ctx context.Context) (time.Time, error)   { return time.Time{}, nil }

func (c *scriptedConn) CreateUser(ctx context.Context, user device.User) error {
	if c.createUserDelay > 0 {
		time.Sleep(c.createUserDelay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createUserErr != nil {
		return c.createUserErr
	}
	c.createUserCalls = append(c.createUserCalls, user)
	return nil
}

func (c *scriptedConn) DeleteUser(ctx context.Context, deviceUserID uint16) error { return nil }

func (c *scriptedConn) ReadTemplate(ctx context.Context, deviceUserID uint16, finger uint8) ([]byte, error) {
	return nil, nil
}

func (c *scriptedConn) WriteTemplate(ctx context.Context, deviceUserID uint16, finger uint8, template []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.writeErrs[finger]; ok {
		return err
	}
	c.writes = append(c.writes, struct {
		UID    uint16
		Finger uint8
	}{deviceUserID, finger})
	return nil
}

func (c *scriptedConn) DeleteTemplate(ctx context.Context, deviceUserID uint16, finger uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deletes = append(c.deletes, struct {
		UID    uint16
		Finger uint8
	}{deviceUserID, finger})
	return nil
}

func (c *scriptedConn) StartEnroll(ctx context.Context, deviceUserID uint16, finger uint8) error {
	return nil
}
func (c *scriptedConn) CancelEnroll(ctx context.Context) error { return nil }
func (c *scriptedConn) PollEnroll(ctx context.Context) (device.EnrollStatus, error) {
	return device.EnrollStatus{}, nil
}
func (c *scriptedConn) Disconnect() error { return nil }

type fakeRunner struct {
	conn *scriptedConn
	err  error
}

func (f *fakeRunner) WithConn(ctx context.Context, d *store.Device, fn func(conn device.Conn) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(f.conn)
}

type nullPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *nullPublisher) Publish(eventType, schoolID string, data map[string]interface{}) events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := events.Event{Type: eventType, SchoolID: schoolID, Data: data}
	p.events = append(p.events, e)
	return e
}

func testCoordinator(t *testing.T, st *memStore, runner *fakeRunner) (*Coordinator, *nullPublisher) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	pub := &nullPublisher{}
	return NewCoordinator(st, runner, pub, logger), pub
}

func testStudent() *directory.Student {
	return &directory.Student{ID: "stu-42", SchoolID: "school-1", Name: "Amina Okello", RollNumber: "7A-15"}
}

func TestCoordinator_EnsureSynced_Idempotent(t *testing.T) {
	st := newMemStore()
	conn := &scriptedConn{}
	c, pub := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-1", SchoolID: "school-1"}

	rec, err := c.EnsureSynced(context.Background(), d, testStudent())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DeviceUserID)
	require.Len(t, conn.createUserCalls, 1)
	assert.Equal(t, "Amina Okello", conn.createUserCalls[0].Name)
	assert.Equal(t, "7A-15", conn.createUserCalls[0].RollNumber)

	// Second call returns the existing record without touching the device
	rec2, err := c.EnsureSynced(context.Background(), d, testStudent())
	require.NoError(t, err)
	assert.Equal(t, rec.DeviceUserID, rec2.DeviceUserID)
	assert.Len(t, conn.createUserCalls, 1)

	assert.Len(t, pub.events, 1)
	assert.Equal(t, events.TypeStudentSynced, pub.events[0].Type)
}

func TestCoordinator_EnsureSynced_ConcurrentSingleWrite(t *testing.T) {
	st := newMemStore()
	conn := &scriptedConn{}
	c, _ := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-1", SchoolID: "school-1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.EnsureSynced(context.Background(), d, testStudent())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, conn.createUserCalls, 1, "concurrent syncs must allocate one identity slot")
}

func TestCoordinator_EnsureSynced_ConcurrentStudentsGetDistinctSlots(t *testing.T) {
	st := newMemStore()
	// The delay widens the window between reading the highest allocated
	// slot and committing the sync record
	conn := &scriptedConn{createUserDelay: 2 * time.Millisecond}
	c, _ := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-1", SchoolID: "school-1"}

	const students = 8
	records := make([]*store.SyncRecord, students)
	var wg sync.WaitGroup
	for i := 0; i < students; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := c.EnsureSynced(context.Background(), d, &directory.Student{
				ID:       fmt.Sprintf("stu-%d", i),
				SchoolID: "school-1",
				Name:     fmt.Sprintf("Student %d", i),
			})
			assert.NoError(t, err)
			records[i] = rec
		}(i)
	}
	wg.Wait()

	seen := make(map[int]string)
	for _, rec := range records {
		require.NotNil(t, rec)
		if other, dup := seen[rec.DeviceUserID]; dup {
			t.Fatalf("device user id %d allocated to both %s and %s", rec.DeviceUserID, other, rec.StudentID)
		}
		seen[rec.DeviceUserID] = rec.StudentID
	}
	assert.Len(t, conn.createUserCalls, students)
}

func TestCoordinator_EnsureSynced_DeviceFailureLeavesNoRecord(t *testing.T) {
	st := newMemStore()
	conn := &scriptedConn{createUserErr: &device.TransportError{Op: "send", Err: errors.New("reset")}}
	c, _ := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-1", SchoolID: "school-1"}

	_, err := c.EnsureSynced(context.Background(), d, testStudent())
	require.Error(t, err)

	_, err = st.GetSyncRecord("stu-42", "dev-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Once the device recovers the sync goes through
	conn.createUserErr = nil
	rec, err := c.EnsureSynced(context.Background(), d, testStudent())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DeviceUserID)
}

func TestCoordinator_PushTemplates_PartialFailure(t *testing.T) {
	st := newMemStore()
	for finger, bytes := range map[int][]byte{0: {1}, 1: {2}, 2: {3}} {
		require.NoError(t, st.SaveTemplate(&store.FingerprintTemplate{
			StudentID: "stu-42", DeviceID: "dev-old", FingerIndex: finger, Template: bytes, SessionID: "s",
		}))
	}

	conn := &scriptedConn{writeErrs: map[uint8]error{
		2: &device.ProtocolError{Op: "write_template", Detail: "rejected"},
	}}
	c, pub := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-new", SchoolID: "school-1"}

	report, err := c.PushTemplates(context.Background(), d, testStudent())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, report.Pushed)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, 2, report.Failed[0].Finger)
	assert.Equal(t, "device returned an invalid response", report.Failed[0].Reason)

	// The fingers that made it are recorded against the new device
	onNew, err := st.ListEnrolledFingers("stu-42", "dev-new")
	require.NoError(t, err)
	assert.Len(t, onNew, 2)

	var types []string
	for _, e := range pub.events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.TypeTemplatesPushed)
}

func TestCoordinator_ResyncDevice(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.SaveSyncRecord(&store.SyncRecord{StudentID: "stu-1", DeviceID: "dev-1", DeviceUserID: 1, StudentName: "A"}))
	require.NoError(t, st.SaveSyncRecord(&store.SyncRecord{StudentID: "stu-2", DeviceID: "dev-1", DeviceUserID: 2, StudentName: "B"}))
	require.NoError(t, st.SaveTemplate(&store.FingerprintTemplate{StudentID: "stu-1", DeviceID: "dev-1", FingerIndex: 0, Template: []byte{1}}))
	require.NoError(t, st.SaveTemplate(&store.FingerprintTemplate{StudentID: "stu-1", DeviceID: "dev-1", FingerIndex: 1, Template: []byte{2}}))
	require.NoError(t, st.SaveTemplate(&store.FingerprintTemplate{StudentID: "stu-2", DeviceID: "dev-1", FingerIndex: 0, Template: []byte{3}}))

	conn := &scriptedConn{}
	c, _ := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-1", SchoolID: "school-1"}

	report, err := c.ResyncDevice(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Students)
	assert.Equal(t, 3, report.Templates)
	assert.Empty(t, report.Failed)
	assert.Len(t, conn.createUserCalls, 2)
	assert.Len(t, conn.writes, 3)
}

func TestCoordinator_ResyncDevice_AbortsWhenUnreachable(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.SaveSyncRecord(&store.SyncRecord{StudentID: "stu-1", DeviceID: "dev-1", DeviceUserID: 1, StudentName: "A"}))

	runner := &fakeRunner{err: &device.TimeoutError{Op: "dial", Err: errors.New("timeout")}}
	c, _ := testCoordinator(t, st, runner)

	_, err := c.ResyncDevice(context.Background(), &store.Device{ID: "dev-1", SchoolID: "school-1"})
	require.Error(t, err)
	assert.True(t, device.IsTimeout(err))
}

func TestCoordinator_DeleteFinger(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.SaveSyncRecord(&store.SyncRecord{StudentID: "stu-42", DeviceID: "dev-1", DeviceUserID: 3, StudentName: "A"}))
	require.NoError(t, st.SaveTemplate(&store.FingerprintTemplate{StudentID: "stu-42", DeviceID: "dev-1", FingerIndex: 1, Template: []byte{1}}))

	conn := &scriptedConn{}
	c, _ := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-1", SchoolID: "school-1"}

	require.NoError(t, c.DeleteFinger(context.Background(), d, "stu-42", 1))

	require.Len(t, conn.deletes, 1)
	assert.Equal(t, uint16(3), conn.deletes[0].UID)
	assert.Equal(t, uint8(1), conn.deletes[0].Finger)

	_, err := st.ListEnrolledFingers("stu-42", "dev-1")
	require.NoError(t, err)
	assert.ErrorIs(t, st.DeleteTemplate("stu-42", "dev-1", 1), store.ErrNotFound)
}

func TestCoordinator_DeleteFinger_DeviceAlreadyClean(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.SaveSyncRecord(&store.SyncRecord{StudentID: "stu-42", DeviceID: "dev-1", DeviceUserID: 3, StudentName: "A"}))
	require.NoError(t, st.SaveTemplate(&store.FingerprintTemplate{StudentID: "stu-42", DeviceID: "dev-1", FingerIndex: 1, Template: []byte{1}}))

	// The device rejecting the delete means the slot is already gone
	conn := &scriptedConn{deleteErr: &device.ProtocolError{Op: "delete_template", Detail: "no such template"}}
	c, _ := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-1", SchoolID: "school-1"}

	require.NoError(t, c.DeleteFinger(context.Background(), d, "stu-42", 1))
	assert.ErrorIs(t, st.DeleteTemplate("stu-42", "dev-1", 1), store.ErrNotFound)
}

func TestCoordinator_DeleteFinger_UnreachableKeepsTemplate(t *testing.T) {
	st := newMemStore()
	require.NoError(t, st.SaveSyncRecord(&store.SyncRecord{StudentID: "stu-42", DeviceID: "dev-1", DeviceUserID: 3, StudentName: "A"}))
	require.NoError(t, st.SaveTemplate(&store.FingerprintTemplate{StudentID: "stu-42", DeviceID: "dev-1", FingerIndex: 1, Template: []byte{1}}))

	conn := &scriptedConn{deleteErr: &device.TransportError{Op: "send", Err: errors.New("reset")}}
	c, _ := testCoordinator(t, st, &fakeRunner{conn: conn})
	d := &store.Device{ID: "dev-1", SchoolID: "school-1"}

	err := c.DeleteFinger(context.Background(), d, "stu-42", 1)
	require.Error(t, err)

	fingers, err := st.ListEnrolledFingers("stu-42", "dev-1")
	require.NoError(t, err)
	assert.Len(t, fingers, 1, "local template stays until the device confirms the delete")
}
