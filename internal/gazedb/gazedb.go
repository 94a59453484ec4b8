// Package gazedb exports mapped gaze and section summaries to SQLite.
package gazedb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/gazecal/internal/blink"
	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SectionSummary is the exported view of one section.
type SectionSummary struct {
	Label            string
	Type             string
	CalibrationRange [2]int
	MappingRange     [2]int
	MappingMethod    string
	Status           string
	XOffset          float64
	YOffset          float64
}

// DB wraps the export database.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	db := &DB{conn}
	if err := db.MigrateUp(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// MigrateUp runs all pending migrations up to the latest version.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the underlying connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version, or 0 if none applied.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...any) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// WriteMerged stores one export run in a single transaction and returns
// its session ID. frames maps each gaze datum to its world frame.
func (db *DB) WriteMerged(recordingDir string, sections []SectionSummary, positions []gaze.GazeDatum, frames []int) (uuid.UUID, error) {
	if len(frames) != len(positions) {
		return uuid.Nil, fmt.Errorf("frame count %d does not match gaze count %d", len(frames), len(positions))
	}
	id := uuid.New()

	tx, err := db.Begin()
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO sessions (session_id, recording_dir) VALUES (?, ?)`,
		id.String(), recordingDir); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert session: %w", err)
	}

	secStmt, err := tx.Prepare(`INSERT INTO sections (
		session_id, label, section_type, calibration_start, calibration_end,
		mapping_start, mapping_end, mapping_method, status, x_offset, y_offset
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return uuid.Nil, err
	}
	defer secStmt.Close()
	for _, s := range sections {
		if _, err := secStmt.Exec(id.String(), s.Label, s.Type,
			s.CalibrationRange[0], s.CalibrationRange[1],
			s.MappingRange[0], s.MappingRange[1],
			s.MappingMethod, s.Status, s.XOffset, s.YOffset); err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert section %q: %w", s.Label, err)
		}
	}

	gazeStmt, err := tx.Prepare(`INSERT INTO gaze_positions (
		session_id, frame_index, timestamp, norm_pos_x, norm_pos_y, confidence, section
	) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return uuid.Nil, err
	}
	defer gazeStmt.Close()
	for i, g := range positions {
		if _, err := gazeStmt.Exec(id.String(), frames[i], g.Timestamp,
			g.NormPos.X, g.NormPos.Y, g.Confidence, g.Section); err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert gaze datum %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, err
	}
	monitoring.Logf("[GazeDB] exported session %s: %d sections, %d gaze positions", id, len(sections), len(positions))
	return id, nil
}

// WriteBlinks stores blink events for an exported session.
func (db *DB) WriteBlinks(sessionID uuid.UUID, events []blink.Event) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO blinks (
		session_id, kind, timestamp, response, spectrum_q25, spectrum_q50
	) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range events {
		if _, err := stmt.Exec(sessionID.String(), string(e.Kind), e.Timestamp, e.Response, e.Q25, e.Q50); err != nil {
			return fmt.Errorf("failed to insert blink: %w", err)
		}
	}
	return tx.Commit()
}

// CountGaze returns the number of gaze rows per section for a session.
func (db *DB) CountGaze(sessionID uuid.UUID) (map[string]int, error) {
	rows, err := db.Query(`SELECT section, COUNT(*) FROM gaze_positions WHERE session_id = ? GROUP BY section`, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			return nil, err
		}
		counts[label] = n
	}
	return counts, rows.Err()
}
