package store

import (
	"database/sql"
	"fmt"
)

// SaveTemplate persists a fingerprint template, replacing any previous
// template for the same (student, device, finger) slot
func (s *Store) SaveTemplate(t *FingerprintTemplate) error {
	encrypted, err := s.Encrypt(t.Template)
	if err != nil {
		return fmt.Errorf("failed to encrypt template: %w", err)
	}

	query := `
		INSERT INTO fingerprint_templates (student_id, device_id, finger_index, template, quality, session_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (student_id, device_id, finger_index)
		DO UPDATE SET template = excluded.template, quality = excluded.quality,
		              session_id = excluded.session_id, created_at = CURRENT_TIMESTAMP
	`

	result, err := s.conn.Exec(query, t.StudentID, t.DeviceID, t.FingerIndex, encrypted, t.Quality, t.SessionID)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		t.ID = id
	}

	return nil
}

// ListStudentTemplates returns the student's templates, one per finger
// (the most recent when the same finger was enrolled on several devices).
// This is the set pushed to a replacement device.
func (s *Store) ListStudentTemplates(studentID string) ([]*FingerprintTemplate, error) {
	query := `
		SELECT t.id, t.student_id, t.device_id, t.finger_index, t.template, t.quality, t.session_id, t.created_at
		FROM fingerprint_templates t
		WHERE t.student_id = ?
		  AND t.id = (
			SELECT id FROM fingerprint_templates
			WHERE student_id = t.student_id AND finger_index = t.finger_index
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		  )
		ORDER BY t.finger_index ASC
	`
	return s.queryTemplates(query, studentID)
}

// ListEnrolledFingers returns the templates stored for one (student, device) pair
func (s *Store) ListEnrolledFingers(studentID, deviceID string) ([]*FingerprintTemplate, error) {
	query := `
		SELECT id, student_id, device_id, finger_index, template, quality, session_id, created_at
		FROM fingerprint_templates
		WHERE student_id = ? AND device_id = ?
		ORDER BY finger_index ASC
	`
	return s.queryTemplates(query, studentID, deviceID)
}

// GetTemplate fetches one template slot
func (s *Store) GetTemplate(studentID, deviceID string, fingerIndex int) (*FingerprintTemplate, error) {
	query := `
		SELECT id, student_id, device_id, finger_index, template, quality, session_id, created_at
		FROM fingerprint_templates
		WHERE student_id = ? AND device_id = ? AND finger_index = ?
	`
	row := s.conn.QueryRow(query, studentID, deviceID, fingerIndex)
	t, err := s.scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

// DeleteTemplate removes one stored template slot
func (s *Store) DeleteTemplate(studentID, deviceID string, fingerIndex int) error {
	query := `DELETE FROM fingerprint_templates WHERE student_id = ? AND device_id = ? AND finger_index = ?`
	result, err := s.conn.Exec(query, studentID, deviceID, fingerIndex)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *Store) queryTemplates(query string, args ...interface{}) ([]*FingerprintTemplate, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []*FingerprintTemplate
	for rows.Next() {
		t, err := s.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating template rows: %w", err)
	}

	return templates, nil
}

func (s *Store) scanTemplate(row rowScanner) (*FingerprintTemplate, error) {
	t := &FingerprintTemplate{}
	var encrypted string

	err := row.Scan(&t.ID, &t.StudentID, &t.DeviceID, &t.FingerIndex, &encrypted, &t.Quality, &t.SessionID, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to scan template row: %w", err)
	}

	decrypted, err := s.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt template %d: %w", t.ID, err)
	}
	t.Template = decrypted

	return t, nil
}
