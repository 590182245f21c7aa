package store

import (
	"database/sql"
	"fmt"
)

// GetSyncRecord fetches the sync record for one (student, device) pair
func (s *Store) GetSyncRecord(studentID, deviceID string) (*SyncRecord, error) {
	query := `
		SELECT id, student_id, device_id, device_user_id, student_name, synced_at
		FROM device_sync_records
		WHERE student_id = ? AND device_id = ?
	`
	r := &SyncRecord{}
	err := s.conn.QueryRow(query, studentID, deviceID).Scan(
		&r.ID, &r.StudentID, &r.DeviceID, &r.DeviceUserID, &r.StudentName, &r.SyncedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan sync record: %w", err)
	}

	return r, nil
}

// SaveSyncRecord records that a student's identity now exists on a device
func (s *Store) SaveSyncRecord(r *SyncRecord) error {
	query := `
		INSERT INTO device_sync_records (student_id, device_id, device_user_id, student_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (student_id, device_id)
		DO UPDATE SET device_user_id = excluded.device_user_id,
		              student_name = excluded.student_name,
		              synced_at = CURRENT_TIMESTAMP
	`

	result, err := s.conn.Exec(query, r.StudentID, r.DeviceID, r.DeviceUserID, r.StudentName)
	if err != nil {
		return fmt.Errorf("failed to save sync record: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		r.ID = id
	}

	return nil
}

// ListDeviceSyncRecords returns every student identity known to exist on
// one device, ordered by device user id
func (s *Store) ListDeviceSyncRecords(deviceID string) ([]*SyncRecord, error) {
	query := `
		SELECT id, student_id, device_id, device_user_id, student_name, synced_at
		FROM device_sync_records
		WHERE device_id = ?
		ORDER BY device_user_id ASC
	`
	rows, err := s.conn.Query(query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync records: %w", err)
	}
	defer rows.Close()

	var records []*SyncRecord
	for rows.Next() {
		r := &SyncRecord{}
		if err := rows.Scan(&r.ID, &r.StudentID, &r.DeviceID, &r.DeviceUserID, &r.StudentName, &r.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync record rows: %w", err)
	}

	return records, nil
}

// DeleteSyncRecord removes the sync record, e.g. after the identity was
// deleted from the device
func (s *Store) DeleteSyncRecord(studentID, deviceID string) error {
	query := `DELETE FROM device_sync_records WHERE student_id = ? AND device_id = ?`
	if _, err := s.conn.Exec(query, studentID, deviceID); err != nil {
		return fmt.Errorf("failed to delete sync record: %w", err)
	}
	return nil
}

// NextDeviceUserID allocates the next numeric identity slot on a device
func (s *Store) NextDeviceUserID(deviceID string) (int, error) {
	query := `SELECT COALESCE(MAX(device_user_id), 0) + 1 FROM device_sync_records WHERE device_id = ?`
	var next int
	if err := s.conn.QueryRow(query, deviceID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to allocate device user id: %w", err)
	}
	return next, nil
}

// SaveEnrollmentRecord writes the audit row for a session that reached a
// terminal state
func (s *Store) SaveEnrollmentRecord(r *EnrollmentRecord) error {
	query := `
		INSERT INTO enrollment_records (session_id, student_id, device_id, finger_index, status, progress, quality, message, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING
	`

	_, err := s.conn.Exec(query,
		r.SessionID, r.StudentID, r.DeviceID, r.FingerIndex,
		r.Status, r.Progress, r.Quality, r.Message,
		r.StartedAt.UTC(), r.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save enrollment record: %w", err)
	}

	return nil
}
