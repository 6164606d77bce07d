package registry

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"ultrablue/internal/transport"
)

// SQLite is a Registry backed by a sqlite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// SchemaVersion returns the highest applied migration.
func (s *SQLite) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const deviceColumns = `uid, name, address, ek_cert, last_attestation_ms, last_succeeded, last_failure, pcr_baseline, secret, created_at_ms`

func (s *SQLite) Register(ctx context.Context, d Device) error {
	if err := ValidateName(d.Name); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, "SELECT ek_cert FROM devices WHERE address = ?", string(d.Address)).Scan(&existing)
	switch {
	case err == nil:
		if !bytes.Equal(existing, d.EKCert) {
			return ErrEKChanged
		}
		return ErrAlreadyRegistered
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("look up address: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UID, d.Name, string(d.Address), d.EKCert,
		toMillis(d.LastAttestation), d.LastSucceeded, d.LastFailure, d.PCRBaseline,
		d.Secret, toMillis(d.CreatedAt),
	)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("insert device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (Device, error) {
	var (
		d                 Device
		addr              string
		lastMs, createdMs int64
		baseline, secret  []byte
	)
	if err := row.Scan(&d.UID, &d.Name, &addr, &d.EKCert, &lastMs, &d.LastSucceeded, &d.LastFailure, &baseline, &secret, &createdMs); err != nil {
		return Device{}, err
	}
	d.Address = transport.Address(addr)
	d.LastAttestation = fromMillis(lastMs)
	d.CreatedAt = fromMillis(createdMs)
	if len(baseline) > 0 {
		d.PCRBaseline = baseline
	}
	if len(secret) > 0 {
		d.Secret = secret
	}
	return d, nil
}

func (s *SQLite) Get(ctx context.Context, uid string) (Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE uid = ?", uid))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func (s *SQLite) GetByAddress(ctx context.Context, addr transport.Address) (Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE address = ?", string(addr)))
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device by address: %w", err)
	}
	return d, nil
}

func (s *SQLite) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY created_at_ms, rowid")
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) exec(ctx context.Context, what, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Rename(ctx context.Context, uid, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return s.exec(ctx, "rename device", "UPDATE devices SET name = ? WHERE uid = ?", name, uid)
}

func (s *SQLite) RecordOutcome(ctx context.Context, uid string, o Outcome) error {
	failure := o.Failure
	if o.Succeeded {
		failure = ""
	}
	return s.exec(ctx, "record outcome",
		"UPDATE devices SET last_attestation_ms = ?, last_succeeded = ?, last_failure = ? WHERE uid = ?",
		toMillis(o.At), o.Succeeded, failure, uid)
}

func (s *SQLite) SetBaseline(ctx context.Context, uid string, digest []byte) error {
	return s.exec(ctx, "set baseline", "UPDATE devices SET pcr_baseline = ? WHERE uid = ?", digest, uid)
}

func (s *SQLite) Delete(ctx context.Context, uid string) error {
	return s.exec(ctx, "delete device", "DELETE FROM devices WHERE uid = ?", uid)
}

// Times are stored as epoch milliseconds; 0 means never.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
