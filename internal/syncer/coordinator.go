package syncer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"school-biometric-core/internal/device"
	"school-biometric-core/internal/directory"
	"school-biometric-core/internal/events"
	"school-biometric-core/internal/logging"
	"school-biometric-core/internal/store"
)

// syncStore is the slice of the store the coordinator needs
type syncStore interface {
	GetSyncRecord(studentID, deviceID string) (*store.SyncRecord, error)
	SaveSyncRecord(r *store.SyncRecord) error
	DeleteSyncRecord(studentID, deviceID string) error
	NextDeviceUserID(deviceID string) (int, error)
	ListDeviceSyncRecords(deviceID string) ([]*store.SyncRecord, error)
	ListStudentTemplates(studentID string) ([]*store.FingerprintTemplate, error)
	ListEnrolledFingers(studentID, deviceID string) ([]*store.FingerprintTemplate, error)
	SaveTemplate(t *store.FingerprintTemplate) error
	DeleteTemplate(studentID, deviceID string, fingerIndex int) error
}

// connRunner runs a function against a device's serialized connection
type connRunner interface {
	WithConn(ctx context.Context, d *store.Device, fn func(conn device.Conn) error) error
}

// publisher fans sync outcomes out to subscribers
type publisher interface {
	Publish(eventType, schoolID string, data map[string]interface{}) events.Event
}

// PushFailure reports one finger that could not be written to a device
type PushFailure struct {
	Finger int    `json:"finger"`
	Reason string `json:"reason"`
}

// PushReport summarizes a template push. Fingers that failed stay on the
// report; nothing already written is rolled back.
type PushReport struct {
	StudentID    string        `json:"student_id"`
	DeviceUserID int           `json:"device_user_id"`
	Pushed       []int         `json:"pushed"`
	Failed       []PushFailure `json:"failed,omitempty"`
}

// ResyncReport summarizes a whole-device reconciliation
type ResyncReport struct {
	Students  int           `json:"students"`
	Templates int           `json:"templates"`
	Failed    []PushFailure `json:"failed,omitempty"`
}

// Coordinator keeps device-side identity records consistent with stored
// state. Identity slot allocation is serialized per device, so two
// students syncing to the same terminal at once cannot be handed the same
// slot; template operations for the same (student, device) pair run one
// at a time.
type Coordinator struct {
	store    syncStore
	registry connRunner
	events   publisher
	logger   *logrus.Entry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator creates a sync coordinator
func NewCoordinator(st syncStore, reg connRunner, pub publisher, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		registry: reg,
		events:   pub,
		logger:   logging.NewComponentLogger(logger, "syncer"),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) lock(key string) func() {
	c.mu.Lock()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	c.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// lockPair serializes template operations for one (student, device) pair
func (c *Coordinator) lockPair(studentID, deviceID string) func() {
	return c.lock(studentID + "\x00" + deviceID)
}

// lockDevice serializes identity slot allocation for one device
func (c *Coordinator) lockDevice(deviceID string) func() {
	return c.lock(deviceID)
}

// EnsureSynced guarantees the student has an identity record on the
// device and returns it. When the record already exists nothing is
// written to the device. The device lock covers allocate, create and
// record: a concurrent sync for another student sees the committed slot.
func (c *Coordinator) EnsureSynced(ctx context.Context, d *store.Device, student *directory.Student) (*store.SyncRecord, error) {
	unlock := c.lockDevice(d.ID)
	defer unlock()

	rec, err := c.store.GetSyncRecord(student.ID, d.ID)
	if err == nil {
		return rec, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("failed to look up sync record: %w", err)
	}

	deviceUserID, err := c.store.NextDeviceUserID(d.ID)
	if err != nil {
		return nil, err
	}

	err = c.registry.WithConn(ctx, d, func(conn device.Conn) error {
		return conn.CreateUser(ctx, device.User{
			DeviceUserID: uint16(deviceUserID),
			Name:         student.Name,
			RollNumber:   student.RollNumber,
		})
	})
	if err != nil {
		return nil, err
	}

	rec = &store.SyncRecord{
		StudentID:    student.ID,
		DeviceID:     d.ID,
		DeviceUserID: deviceUserID,
		StudentName:  student.Name,
	}
	if err := c.store.SaveSyncRecord(rec); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"student_id":     student.ID,
		"device_id":      d.ID,
		"device_user_id": deviceUserID,
	}).Info("Student synced to device")

	c.events.Publish(events.TypeStudentSynced, d.SchoolID, map[string]interface{}{
		"student_id":     student.ID,
		"device_id":      d.ID,
		"device_user_id": deviceUserID,
	})

	return rec, nil
}

// PushTemplates writes the student's stored templates, one per finger, to
// the device. Used when a replacement terminal arrives: the student does
// not re-enroll, their existing captures move over. Fingers that fail are
// reported; fingers already written stay on the device.
func (c *Coordinator) PushTemplates(ctx context.Context, d *store.Device, student *directory.Student) (*PushReport, error) {
	rec, err := c.EnsureSynced(ctx, d, student)
	if err != nil {
		return nil, err
	}

	templates, err := c.store.ListStudentTemplates(student.ID)
	if err != nil {
		return nil, err
	}

	unlock := c.lockPair(student.ID, d.ID)
	defer unlock()

	report := &PushReport{StudentID: student.ID, DeviceUserID: rec.DeviceUserID}
	for _, tpl := range templates {
		tpl := tpl
		err := c.registry.WithConn(ctx, d, func(conn device.Conn) error {
			return conn.WriteTemplate(ctx, uint16(rec.DeviceUserID), uint8(tpl.FingerIndex), tpl.Template)
		})
		if err != nil {
			report.Failed = append(report.Failed, PushFailure{
				Finger: tpl.FingerIndex,
				Reason: device.Reason(err),
			})
			continue
		}

		stored := &store.FingerprintTemplate{
			StudentID:   student.ID,
			DeviceID:    d.ID,
			FingerIndex: tpl.FingerIndex,
			Template:    tpl.Template,
			Quality:     tpl.Quality,
			SessionID:   tpl.SessionID,
		}
		if err := c.store.SaveTemplate(stored); err != nil {
			return nil, err
		}
		report.Pushed = append(report.Pushed, tpl.FingerIndex)
	}

	c.events.Publish(events.TypeTemplatesPushed, d.SchoolID, map[string]interface{}{
		"student_id": student.ID,
		"device_id":  d.ID,
		"pushed":     len(report.Pushed),
		"failed":     len(report.Failed),
	})

	return report, nil
}

// ResyncDevice rewrites every known identity and template to the device.
// Run after a terminal was factory reset or swapped in place.
func (c *Coordinator) ResyncDevice(ctx context.Context, d *store.Device) (*ResyncReport, error) {
	records, err := c.store.ListDeviceSyncRecords(d.ID)
	if err != nil {
		return nil, err
	}

	report := &ResyncReport{}
	for _, rec := range records {
		unlock := c.lockPair(rec.StudentID, d.ID)

		err := c.registry.WithConn(ctx, d, func(conn device.Conn) error {
			return conn.CreateUser(ctx, device.User{
				DeviceUserID: uint16(rec.DeviceUserID),
				Name:         rec.StudentName,
			})
		})
		if err != nil {
			unlock()
			// The device itself is gone; no point writing the rest
			if device.IsTransport(err) || device.IsTimeout(err) {
				return nil, err
			}
			report.Failed = append(report.Failed, PushFailure{Reason: device.Reason(err)})
			continue
		}
		report.Students++

		templates, err := c.store.ListEnrolledFingers(rec.StudentID, d.ID)
		if err != nil {
			unlock()
			return nil, err
		}

		for _, tpl := range templates {
			tpl := tpl
			err := c.registry.WithConn(ctx, d, func(conn device.Conn) error {
				return conn.WriteTemplate(ctx, uint16(rec.DeviceUserID), uint8(tpl.FingerIndex), tpl.Template)
			})
			if err != nil {
				report.Failed = append(report.Failed, PushFailure{
					Finger: tpl.FingerIndex,
					Reason: device.Reason(err),
				})
				continue
			}
			report.Templates++
		}
		unlock()
	}

	c.logger.WithFields(logrus.Fields{
		"device_id": d.ID,
		"students":  report.Students,
		"templates": report.Templates,
		"failed":    len(report.Failed),
	}).Info("Device resync finished")

	return report, nil
}

// DeleteFinger removes one stored template from the device and from the
// store. A device that no longer knows the template is treated as
// already clean.
func (c *Coordinator) DeleteFinger(ctx context.Context, d *store.Device, studentID string, finger int) error {
	unlock := c.lockPair(studentID, d.ID)
	defer unlock()

	rec, err := c.store.GetSyncRecord(studentID, d.ID)
	if err != nil {
		return err
	}

	err = c.registry.WithConn(ctx, d, func(conn device.Conn) error {
		return conn.DeleteTemplate(ctx, uint16(rec.DeviceUserID), uint8(finger))
	})
	if err != nil && !device.IsProtocol(err) {
		return err
	}

	return c.store.DeleteTemplate(studentID, d.ID, finger)
}
