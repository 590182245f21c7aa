package api

import (
	"encoding/json"
	"net/http"
	"time"
)

// RegisterDeviceRequest is the payload for registering a terminal
type RegisterDeviceRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	CommKey string `json:"comm_key,omitempty"`
}

// StartEnrollmentRequest is the payload for starting a capture
type StartEnrollmentRequest struct {
	StudentID   string `json:"student_id"`
	DeviceID    string `json:"device_id"`
	FingerIndex int    `json:"finger_index"`
}

// PushTemplatesRequest names the student whose templates move to a device
type PushTemplatesRequest struct {
	StudentID string `json:"student_id"`
}

// ProbeResponse reports the outcome of an on-demand device probe
type ProbeResponse struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// FingerResponse describes one enrolled finger without template bytes
type FingerResponse struct {
	FingerIndex int       `json:"finger_index"`
	Quality     int       `json:"quality"`
	SessionID   string    `json:"session_id"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error     string    `json:"error"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}
