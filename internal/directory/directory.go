package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrStudentNotFound is returned when no student matches the lookup
var ErrStudentNotFound = errors.New("student not found")

// Student is the platform's identity record for one pupil. The directory
// is read-only: student records are owned by the platform database.
type Student struct {
	ID         string `json:"id"`
	SchoolID   string `json:"school_id"`
	Name       string `json:"name"`
	RollNumber string `json:"roll_number"`
}

// Directory looks students up in the platform's Postgres database
type Directory struct {
	db *sql.DB
}

// NewDirectory opens a pooled connection to the platform database
func NewDirectory(dsn string) (*Directory, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open platform database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping platform database: %w", err)
	}

	return &Directory{db: db}, nil
}

// Close closes the connection pool
func (d *Directory) Close() error {
	return d.db.Close()
}

// Health checks the platform database connection
func (d *Directory) Health() error {
	return d.db.Ping()
}

// GetStudent fetches one student scoped to a school. Lookups across
// school boundaries fail as not found.
func (d *Directory) GetStudent(ctx context.Context, schoolID, studentID string) (*Student, error) {
	query := `
		SELECT id, school_id, name, roll_number
		FROM students
		WHERE id = $1 AND school_id = $2 AND deleted_at IS NULL
	`

	s := &Student{}
	err := d.db.QueryRowContext(ctx, query, studentID, schoolID).Scan(&s.ID, &s.SchoolID, &s.Name, &s.RollNumber)
	if err == sql.ErrNoRows {
		return nil, ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query student: %w", err)
	}

	return s, nil
}
