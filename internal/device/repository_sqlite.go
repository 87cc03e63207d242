package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteRepository implements Repository on the devices and relays tables.
// Each Save replaces the record's relay rows inside one transaction, so a
// reader never sees a device row that disagrees with its relays.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The schema comes from the migrations package.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDevices = `
	SELECT id, class, simple_status, version, created_at, updated_at
	FROM devices`

const selectRelays = `
	SELECT device_id, relay_id, name, control_type, value, slider_max,
		on_command, off_command, color
	FROM relays`

// Get retrieves one record with its relays in position order.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectDevices+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, selectRelays+" WHERE device_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("querying relays: %w", err)
	}
	defer rows.Close()

	err = scanRelays(rows, func(_ string, rl Relay) {
		rec.Relays = append(rec.Relays, rl)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List retrieves every record ordered by creation time.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	records, index, err := r.listDevices(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, selectRelays+" ORDER BY device_id, position")
	if err != nil {
		return nil, fmt.Errorf("querying relays: %w", err)
	}
	defer rows.Close()

	err = scanRelays(rows, func(deviceID string, rl Relay) {
		if i, ok := index[deviceID]; ok {
			records[i].Relays = append(records[i].Relays, rl)
		}
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// listDevices reads the device rows and indexes them by id. The rows are
// closed before returning so the single pooled connection is free again.
func (r *SQLiteRepository) listDevices(ctx context.Context) ([]Record, map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, selectDevices+" ORDER BY created_at, id")
	if err != nil {
		return nil, nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var records []Record
	index := make(map[string]int)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scanning device: %w", err)
		}
		index[rec.ID] = len(records)
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating devices: %w", err)
	}
	return records, index, nil
}

// Save writes rec and its relays if the stored version equals prevVersion.
func (r *SQLiteRepository) Save(ctx context.Context, rec *Record, prevVersion uint64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if prevVersion == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO devices (id, class, simple_status, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, string(rec.Class), boolToInt(rec.SimpleStatus), rec.Version,
			formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: %s already stored", ErrConflict, rec.ID)
			}
			return fmt.Errorf("inserting device: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE devices SET class = ?, simple_status = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(rec.Class), boolToInt(rec.SimpleStatus), rec.Version, formatTime(rec.UpdatedAt),
			rec.ID, prevVersion,
		)
		if err != nil {
			return fmt.Errorf("updating device: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
			return fmt.Errorf("%w: %s is not at version %d", ErrConflict, rec.ID, prevVersion)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM relays WHERE device_id = ?", rec.ID); err != nil {
			return fmt.Errorf("clearing relays: %w", err)
		}
	}

	if len(rec.Relays) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO relays (device_id, relay_id, position, name, control_type, value,
				slider_max, on_command, off_command, color)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing relay insert: %w", err)
		}
		defer stmt.Close()

		for pos, rl := range rec.Relays {
			_, err := stmt.ExecContext(ctx,
				rec.ID, string(rl.RelayID), pos, rl.Name, string(rl.ControlType), valueToInt(rl.Value),
				rl.SliderMax, rl.OnCommand, rl.OffCommand, rl.Color,
			)
			if err != nil {
				return fmt.Errorf("inserting relay %s: %w", rl.RelayID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device: %w", err)
	}
	return nil
}

// Delete removes the record; relays go with it through ON DELETE CASCADE.
func (r *SQLiteRepository) Delete(ctx context.Context, id string, version uint64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ? AND version = ?", id, version)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 { //nolint:errcheck // sqlite always reports rows affected
		return nil
	}

	var stored uint64
	err = r.db.QueryRowContext(ctx, "SELECT version FROM devices WHERE id = ?", id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("checking device version: %w", err)
	}
	return fmt.Errorf("%w: %s is at version %d, expected %d", ErrConflict, id, stored, version)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (*Record, error) {
	var (
		rec                  Record
		class                string
		simple               int
		createdAt, updatedAt string
	)
	if err := s.Scan(&rec.ID, &class, &simple, &rec.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.Class = Class(class)
	rec.SimpleStatus = simple != 0
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	rec.Relays = []Relay{}
	return &rec, nil
}

func scanRelays(rows *sql.Rows, fn func(deviceID string, rl Relay)) error {
	for rows.Next() {
		var (
			deviceID, relayID, controlType string
			value                          int
			rl                             Relay
		)
		err := rows.Scan(&deviceID, &relayID, &rl.Name, &controlType, &value,
			&rl.SliderMax, &rl.OnCommand, &rl.OffCommand, &rl.Color)
		if err != nil {
			return fmt.Errorf("scanning relay: %w", err)
		}
		rl.RelayID = RelayID(relayID)
		rl.ControlType = ControlType(controlType)
		rl.Value = intToValue(rl.ControlType, value)
		fn(deviceID, rl)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating relays: %w", err)
	}
	return nil
}

// valueToInt stores switches as 0/1 and sliders as their level.
func valueToInt(v Value) int {
	if on, ok := v.AsBool(); ok {
		return boolToInt(on)
	}
	level, _ := v.AsLevel()
	return level
}

func intToValue(ct ControlType, n int) Value {
	if ct == ControlSlider {
		return Level(n)
	}
	return Bool(n != 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // written by formatTime
	return t
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
