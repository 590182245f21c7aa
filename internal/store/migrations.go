package store

import (
	"fmt"
)

// migrate runs database migrations to create the required schema
func (s *Store) migrate() error {
	migrations := []string{
		createDevicesTable,
		createTemplatesTable,
		createSyncRecordsTable,
		createEnrollmentRecordsTable,
		createIndexes,
	}

	for i, migration := range migrations {
		if _, err := s.conn.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	return nil
}

const createDevicesTable = `
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    school_id TEXT NOT NULL,
    name TEXT NOT NULL,
    address TEXT NOT NULL,
    port INTEGER NOT NULL,
    comm_key TEXT, -- encrypted
    status TEXT NOT NULL DEFAULT 'unknown' CHECK (status IN ('online', 'offline', 'unknown')),
    last_seen DATETIME,
    serial_number TEXT,
    model TEXT,
    firmware_version TEXT,
    user_capacity INTEGER DEFAULT 0,
    enrolled_count INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME NULL
);`

const createTemplatesTable = `
CREATE TABLE IF NOT EXISTS fingerprint_templates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    student_id TEXT NOT NULL,
    device_id TEXT NOT NULL REFERENCES devices(id),
    finger_index INTEGER NOT NULL CHECK (finger_index BETWEEN 0 AND 9),
    template TEXT NOT NULL, -- encrypted
    quality INTEGER DEFAULT 0,
    session_id TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (student_id, device_id, finger_index)
);`

const createSyncRecordsTable = `
CREATE TABLE IF NOT EXISTS device_sync_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    student_id TEXT NOT NULL,
    device_id TEXT NOT NULL REFERENCES devices(id),
    device_user_id INTEGER NOT NULL,
    student_name TEXT NOT NULL,
    synced_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (student_id, device_id),
    UNIQUE (device_id, device_user_id)
);`

const createEnrollmentRecordsTable = `
CREATE TABLE IF NOT EXISTS enrollment_records (
    session_id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    finger_index INTEGER NOT NULL,
    status TEXT NOT NULL,
    progress INTEGER NOT NULL,
    quality INTEGER DEFAULT 0,
    message TEXT,
    started_at DATETIME NOT NULL,
    ended_at DATETIME NOT NULL
);`

const createIndexes = `
CREATE INDEX IF NOT EXISTS idx_devices_school_id ON devices(school_id);
CREATE INDEX IF NOT EXISTS idx_devices_deleted_at ON devices(deleted_at);
CREATE INDEX IF NOT EXISTS idx_templates_student_id ON fingerprint_templates(student_id);
CREATE INDEX IF NOT EXISTS idx_templates_device_id ON fingerprint_templates(device_id);
CREATE INDEX IF NOT EXISTS idx_sync_records_device_id ON device_sync_records(device_id);
CREATE INDEX IF NOT EXISTS idx_enrollment_records_student ON enrollment_records(student_id, device_id);
`
