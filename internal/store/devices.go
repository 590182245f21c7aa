package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateDevice inserts a new device row. The comm key is encrypted before
// it touches the database.
func (s *Store) CreateDevice(d *Device) error {
	var commKey sql.NullString
	if d.CommKey != "" {
		encrypted, err := s.Encrypt([]byte(d.CommKey))
		if err != nil {
			return fmt.Errorf("failed to encrypt comm key: %w", err)
		}
		commKey = sql.NullString{String: encrypted, Valid: true}
	}

	if d.Status == "" {
		d.Status = DeviceStatusUnknown
	}

	query := `
		INSERT INTO devices (id, school_id, name, address, port, comm_key, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.conn.Exec(query, d.ID, d.SchoolID, d.Name, d.Address, d.Port, commKey, string(d.Status))
	if err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}

	return nil
}

// GetDevice fetches one device by id, including soft-deleted rows
func (s *Store) GetDevice(id string) (*Device, error) {
	query := `
		SELECT id, school_id, name, address, port, comm_key, status, last_seen,
		       serial_number, model, firmware_version, user_capacity, enrolled_count,
		       created_at, updated_at, deleted_at
		FROM devices
		WHERE id = ?
	`
	return s.scanDevice(s.conn.QueryRow(query, id))
}

// ListDevices returns all non-deleted devices belonging to one school
func (s *Store) ListDevices(schoolID string) ([]*Device, error) {
	query := `
		SELECT id, school_id, name, address, port, comm_key, status, last_seen,
		       serial_number, model, firmware_version, user_capacity, enrolled_count,
		       created_at, updated_at, deleted_at
		FROM devices
		WHERE school_id = ? AND deleted_at IS NULL
		ORDER BY created_at ASC
	`
	return s.queryDevices(query, schoolID)
}

// ListActiveDevices returns all non-deleted devices across all schools,
// used by the health monitor cycle
func (s *Store) ListActiveDevices() ([]*Device, error) {
	query := `
		SELECT id, school_id, name, address, port, comm_key, status, last_seen,
		       serial_number, model, firmware_version, user_capacity, enrolled_count,
		       created_at, updated_at, deleted_at
		FROM devices
		WHERE deleted_at IS NULL
		ORDER BY school_id, created_at ASC
	`
	return s.queryDevices(query)
}

// UpdateDeviceStatus records a probe outcome. A nil lastSeen leaves the
// previous last-seen timestamp unchanged (failed probes must not touch it).
func (s *Store) UpdateDeviceStatus(id string, status DeviceStatus, lastSeen *time.Time) error {
	var result sql.Result
	var err error

	if lastSeen != nil {
		query := `UPDATE devices SET status = ?, last_seen = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
		result, err = s.conn.Exec(query, string(status), lastSeen.UTC(), id)
	} else {
		query := `UPDATE devices SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
		result, err = s.conn.Exec(query, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
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

// UpdateDeviceInfo stores the identity attributes read during a device probe
func (s *Store) UpdateDeviceInfo(id, serial, model, firmware string, userCapacity, enrolledCount int) error {
	query := `
		UPDATE devices
		SET serial_number = ?, model = ?, firmware_version = ?,
		    user_capacity = ?, enrolled_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := s.conn.Exec(query, serial, model, firmware, userCapacity, enrolledCount, id)
	if err != nil {
		return fmt.Errorf("failed to update device info: %w", err)
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

// SoftDeleteDevice marks a device deleted while preserving its history
func (s *Store) SoftDeleteDevice(id string) error {
	query := `UPDATE devices SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted_at IS NULL`
	result, err := s.conn.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete device: %w", err)
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

func (s *Store) queryDevices(query string, args ...interface{}) ([]*Device, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := s.scanDeviceRow(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device rows: %w", err)
	}

	return devices, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanDevice(row *sql.Row) (*Device, error) {
	d, err := s.scanDeviceRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *Store) scanDeviceRow(row rowScanner) (*Device, error) {
	d := &Device{}
	var commKey, serial, model, firmware sql.NullString
	var lastSeen, deletedAt sql.NullTime
	var status string

	err := row.Scan(
		&d.ID, &d.SchoolID, &d.Name, &d.Address, &d.Port, &commKey, &status, &lastSeen,
		&serial, &model, &firmware, &d.UserCapacity, &d.EnrolledCount,
		&d.CreatedAt, &d.UpdatedAt, &deletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan device row: %w", err)
	}

	d.Status = DeviceStatus(status)
	d.SerialNumber = serial.String
	d.Model = model.String
	d.FirmwareVersion = firmware.String
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		d.DeletedAt = &t
	}

	if commKey.Valid && commKey.String != "" {
		decrypted, err := s.Decrypt(commKey.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt comm key for device %s: %w", d.ID, err)
		}
		d.CommKey = string(decrypted)
	}

	return d, nil
}
