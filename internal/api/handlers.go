package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"school-biometric-core/internal/device"
	"school-biometric-core/internal/directory"
	"school-biometric-core/internal/enrollment"
	"school-biometric-core/internal/events"
	"school-biometric-core/internal/store"
	"school-biometric-core/internal/syncer"
)

// DeviceStore is the persistence surface the handlers need
type DeviceStore interface {
	CreateDevice(d *store.Device) error
	GetDevice(id string) (*store.Device, error)
	ListDevices(schoolID string) ([]*store.Device, error)
	SoftDeleteDevice(id string) error
	UpdateDeviceInfo(id, serial, model, firmware string, userCapacity, enrolledCount int) error
	ListEnrolledFingers(studentID, deviceID string) ([]*store.FingerprintTemplate, error)
}

// EnrollmentManager drives capture sessions
type EnrollmentManager interface {
	Start(ctx context.Context, d *store.Device, student *directory.Student, finger int) (*enrollment.Session, error)
	Cancel(sessionID string) error
	GetSession(sessionID string) (*enrollment.Session, error)
}

// SyncCoordinator reconciles device-side state
type SyncCoordinator interface {
	PushTemplates(ctx context.Context, d *store.Device, student *directory.Student) (*syncer.PushReport, error)
	ResyncDevice(ctx context.Context, d *store.Device) (*syncer.ResyncReport, error)
	DeleteFinger(ctx context.Context, d *store.Device, studentID string, finger int) error
}

// StudentDirectory resolves platform student records
type StudentDirectory interface {
	GetStudent(ctx context.Context, schoolID, studentID string) (*directory.Student, error)
}

// HealthProber runs on-demand device probes
type HealthProber interface {
	ProbeDevice(ctx context.Context, d *store.Device) (store.DeviceStatus, error)
}

// ConnRunner runs a function against a device's serialized connection
type ConnRunner interface {
	WithConn(ctx context.Context, d *store.Device, fn func(conn device.Conn) error) error
	Remove(deviceID string)
}

// EventBroadcaster fans events out to websocket clients
type EventBroadcaster interface {
	Subscribe(schoolID string) *events.Subscriber
	Publish(eventType, schoolID string, data map[string]interface{}) events.Event
}

// Handlers holds the HTTP handler dependencies
type Handlers struct {
	store       DeviceStore
	enrollments EnrollmentManager
	syncer      SyncCoordinator
	directory   StudentDirectory
	prober      HealthProber
	registry    ConnRunner
	events      EventBroadcaster
	logger      *logrus.Logger
}

// NewHandlers wires the handler dependencies
func NewHandlers(st DeviceStore, em EnrollmentManager, sc SyncCoordinator, dir StudentDirectory, prober HealthProber, reg ConnRunner, eb EventBroadcaster, logger *logrus.Logger) *Handlers {
	return &Handlers{
		store:       st,
		enrollments: em,
		syncer:      sc,
		directory:   dir,
		prober:      prober,
		registry:    reg,
		events:      eb,
		logger:      logger,
	}
}

// HealthCheck reports service liveness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListDevices returns the school's registered terminals
func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	devices, err := h.store.ListDevices(claims.SchoolID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if devices == nil {
		devices = []*store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// RegisterDevice adds a terminal to the school
func (h *Handlers) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}
	if req.Name == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "name and address are required", "")
		return
	}
	if req.Port <= 0 {
		req.Port = 4370
	}

	d := &store.Device{
		ID:       uuid.NewString(),
		SchoolID: claims.SchoolID,
		Name:     req.Name,
		Address:  req.Address,
		Port:     req.Port,
		CommKey:  req.CommKey,
		Status:   store.DeviceStatusUnknown,
	}
	if err := h.store.CreateDevice(d); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.events.Publish(events.TypeDeviceRegistered, claims.SchoolID, map[string]interface{}{
		"device_id": d.ID,
		"name":      d.Name,
	})

	writeJSON(w, http.StatusCreated, d)
}

// GetDevice returns one terminal
func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceForRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeleteDevice retires a terminal. Stored templates survive so they can
// be pushed to a replacement.
func (h *Handlers) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceForRequest(w, r)
	if !ok {
		return
	}

	if err := h.store.SoftDeleteDevice(d.ID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.registry.Remove(d.ID)

	h.events.Publish(events.TypeDeviceRemoved, d.SchoolID, map[string]interface{}{
		"device_id": d.ID,
	})

	w.WriteHeader(http.StatusNoContent)
}

// ProbeDevice tests connectivity to one terminal on demand
func (h *Handlers) ProbeDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceForRequest(w, r)
	if !ok {
		return
	}

	status, err := h.prober.ProbeDevice(r.Context(), d)
	resp := ProbeResponse{DeviceID: d.ID, Status: string(status)}
	if err != nil {
		resp.Reason = device.Reason(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeviceInfo reads the terminal's identity and capacity, refreshing the
// stored copy
func (h *Handlers) DeviceInfo(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceForRequest(w, r)
	if !ok {
		return
	}

	var info *device.Info
	err := h.registry.WithConn(r.Context(), d, func(conn device.Conn) error {
		var err error
		info, err = conn.GetInfo(r.Context())
		return err
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if err := h.store.UpdateDeviceInfo(d.ID, info.SerialNumber, info.Model, info.FirmwareVersion, info.UserCapacity, info.EnrolledUsers); err != nil {
		h.logger.WithError(err).WithField("device_id", d.ID).Error("Failed to store device info")
	}

	writeJSON(w, http.StatusOK, info)
}

// SyncDevice rewrites all known identities and templates to a terminal
func (h *Handlers) SyncDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceForRequest(w, r)
	if !ok {
		return
	}

	report, err := h.syncer.ResyncDevice(r.Context(), d)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PushTemplates moves a student's stored templates onto a terminal
func (h *Handlers) PushTemplates(w http.ResponseWriter, r *http.Request) {
	d, ok := h.deviceForRequest(w, r)
	if !ok {
		return
	}

	var req PushTemplatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "student_id is required", "")
		return
	}

	student, err := h.directory.GetStudent(r.Context(), d.SchoolID, req.StudentID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	report, err := h.syncer.PushTemplates(r.Context(), d, student)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// StartEnrollment begins a fingerprint capture session
func (h *Handlers) StartEnrollment(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	var req StartEnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "")
		return
	}
	if req.StudentID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "student_id and device_id are required", "")
		return
	}
	if req.FingerIndex < 0 || req.FingerIndex > 9 {
		writeError(w, http.StatusBadRequest, "finger_index must be between 0 and 9", "")
		return
	}

	d, err := h.scopedDevice(claims, req.DeviceID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	student, err := h.directory.GetStudent(r.Context(), claims.SchoolID, req.StudentID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	sess, err := h.enrollments.Start(r.Context(), d, student, req.FingerIndex)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// GetEnrollment returns the session's current state
func (h *Handlers) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	sess, err := h.enrollments.GetSession(mux.Vars(r)["id"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// CancelEnrollment stops an in-progress capture
func (h *Handlers) CancelEnrollment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.enrollments.Cancel(id); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	sess, err := h.enrollments.GetSession(id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// ListFingers returns which of a student's fingers are enrolled on a
// device. Template bytes never leave the service.
func (h *Handlers) ListFingers(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, ok := h.deviceForRequest(w, r)
	if !ok {
		return
	}

	templates, err := h.store.ListEnrolledFingers(vars["studentId"], d.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	fingers := make([]FingerResponse, 0, len(templates))
	for _, t := range templates {
		fingers = append(fingers, FingerResponse{
			FingerIndex: t.FingerIndex,
			Quality:     t.Quality,
			SessionID:   t.SessionID,
			EnrolledAt:  t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, fingers)
}

// DeleteFinger removes one enrolled finger from a device and the store
func (h *Handlers) DeleteFinger(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, ok := h.deviceForRequest(w, r)
	if !ok {
		return
	}

	finger, err := strconv.Atoi(vars["finger"])
	if err != nil || finger < 0 || finger > 9 {
		writeError(w, http.StatusBadRequest, "finger must be between 0 and 9", "")
		return
	}

	if err := h.syncer.DeleteFinger(r.Context(), d, vars["studentId"], finger); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deviceForRequest loads the device named in the route, scoped to the
// caller's school
func (h *Handlers) deviceForRequest(w http.ResponseWriter, r *http.Request) (*store.Device, bool) {
	claims := claimsFrom(r)

	d, err := h.scopedDevice(claims, mux.Vars(r)["deviceId"])
	if err != nil {
		h.writeDomainError(w, r, err)
		return nil, false
	}
	return d, true
}

func (h *Handlers) scopedDevice(claims *Claims, deviceID string) (*store.Device, error) {
	d, err := h.store.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	// Devices from other schools do not exist as far as the caller knows
	if d.SchoolID != claims.SchoolID || d.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	return d, nil
}

// writeDomainError maps domain errors onto HTTP status codes
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", "")
	case errors.Is(err, directory.ErrStudentNotFound):
		writeError(w, http.StatusNotFound, "Student not found", "")
	case errors.Is(err, enrollment.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Enrollment session not found", "")
	case enrollment.IsConflict(err):
		writeError(w, http.StatusConflict, "Device is already enrolling", err.Error())
	case device.IsAuth(err):
		writeError(w, http.StatusBadGateway, "Device rejected credentials", device.Reason(err))
	case device.IsTimeout(err), device.IsTransport(err), device.IsProtocol(err):
		writeError(w, http.StatusBadGateway, "Device communication failed", device.Reason(err))
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("Unhandled error in HTTP handler")
		writeError(w, http.StatusInternalServerError, "Internal server error", "")
	}
}
