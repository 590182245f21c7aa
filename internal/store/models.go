package store

import (
	"time"
)

// DeviceStatus is the connectivity state maintained by the health monitor
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

// Device is one registered biometric terminal owned by a school
type Device struct {
	ID              string       `json:"id"`
	SchoolID        string       `json:"school_id"`
	Name            string       `json:"name"`
	Address         string       `json:"address"`
	Port            int          `json:"port"`
	CommKey         string       `json:"-"` // encrypted at rest
	Status          DeviceStatus `json:"status"`
	LastSeen        *time.Time   `json:"last_seen,omitempty"`
	SerialNumber    string       `json:"serial_number,omitempty"`
	Model           string       `json:"model,omitempty"`
	FirmwareVersion string       `json:"firmware_version,omitempty"`
	UserCapacity    int          `json:"user_capacity"`
	EnrolledCount   int          `json:"enrolled_count"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	DeletedAt       *time.Time   `json:"deleted_at,omitempty"`
}

// FingerprintTemplate is the canonical biometric record produced by a
// completed enrollment. Template bytes are encrypted at rest.
type FingerprintTemplate struct {
	ID          int64     `json:"id"`
	StudentID   string    `json:"student_id"`
	DeviceID    string    `json:"device_id"`
	FingerIndex int       `json:"finger_index"` // 0-9, hand+finger encoding
	Template    []byte    `json:"-"`
	Quality     int       `json:"quality"`
	SessionID   string    `json:"session_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// SyncRecord states that a student's identity record exists on a device.
// Required before enrollment or template pushes can proceed.
type SyncRecord struct {
	ID           int64     `json:"id"`
	StudentID    string    `json:"student_id"`
	DeviceID     string    `json:"device_id"`
	DeviceUserID int       `json:"device_user_id"`
	StudentName  string    `json:"student_name"`
	SyncedAt     time.Time `json:"synced_at"`
}

// EnrollmentRecord is the audit row written when a session reaches a
// terminal state
type EnrollmentRecord struct {
	SessionID   string    `json:"session_id"`
	StudentID   string    `json:"student_id"`
	DeviceID    string    `json:"device_id"`
	FingerIndex int       `json:"finger_index"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	Quality     int       `json:"quality"`
	Message     string    `json:"message,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}
