package enrollment

import (
	"context"
	"sync"
	"time"
)

// Status is the lifecycle state of an enrollment session
type Status string

const (
	StatusPlacing    Status = "placing"
	StatusCapturing  Status = "capturing"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// progressFor maps capture statuses to coarse progress checkpoints
func progressFor(s Status) int {
	switch s {
	case StatusCapturing:
		return 20
	case StatusProcessing:
		return 60
	case StatusComplete:
		return 100
	default:
		return 0
	}
}

// stageRank orders the capture stages. Terminal statuses outrank all of
// them so a session can always end.
func stageRank(s Status) int {
	switch s {
	case StatusPlacing:
		return 0
	case StatusCapturing:
		return 1
	case StatusProcessing:
		return 2
	default:
		return 3
	}
}

// Session tracks one fingerprint capture from start to a terminal state
type Session struct {
	ID          string
	SchoolID    string
	StudentID   string
	DeviceID    string
	FingerIndex int

	mu        sync.Mutex
	status    Status
	progress  int
	quality   int
	message   string
	startedAt time.Time
	endedAt   time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Snapshot is a point-in-time view of a session, safe to serialize
type Snapshot struct {
	ID          string     `json:"id"`
	StudentID   string     `json:"student_id"`
	DeviceID    string     `json:"device_id"`
	FingerIndex int        `json:"finger_index"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Quality     int        `json:"quality,omitempty"`
	Message     string     `json:"message,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Snapshot returns the session's current state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:          s.ID,
		StudentID:   s.StudentID,
		DeviceID:    s.DeviceID,
		FingerIndex: s.FingerIndex,
		Status:      s.status,
		Progress:    s.progress,
		Quality:     s.quality,
		Message:     s.message,
		StartedAt:   s.startedAt,
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		snap.EndedAt = &ended
	}
	return snap
}

// Done closes once the session reaches a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// advance moves the session forward. The state machine is forward-only:
// a device re-reporting an earlier stage is ignored, progress never
// decreases, and a session that already ended ignores late device results.
func (s *Session) advance(status Status, quality int, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return false
	}
	if stageRank(status) < stageRank(s.status) {
		return false
	}

	changed := s.status != status
	s.status = status
	if p := progressFor(status); p > s.progress {
		s.progress = p
		changed = true
	}
	if quality > 0 {
		s.quality = quality
	}
	if message != "" {
		s.message = message
	}
	if status.Terminal() {
		s.endedAt = time.Now().UTC()
	}
	return changed
}
