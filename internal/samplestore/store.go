// Package samplestore persists recorded stimulation samples to SQLite so a
// session's history survives daemon restarts. Schema changes are managed
// with golang-migrate; see db/migrations.
package samplestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cortexnav/neuronav/internal/track"
	"github.com/cortexnav/neuronav/internal/xfm"
)

// ErrNotFound is returned by Sample when no row matches the key.
var ErrNotFound = errors.New("sample not found")

type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the SQLite database at path. The schema
// is not touched; call MigrateUp before first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample store: %w", err)
	}
	return &Store{db}, nil
}

// NewKey returns a fresh sample key for recordings that don't carry a
// user-assigned name.
func NewKey() string {
	return uuid.NewString()
}

// RecordSample inserts the sample, replacing any previous row with the
// same key.
func (s *Store) RecordSample(sample *track.Sample) error {
	if sample == nil {
		return errors.New("cannot record nil sample")
	}

	pose, err := encodePose(sample.CoilToScan())
	if err != nil {
		return fmt.Errorf("failed to encode sample %q pose: %w", sample.Key(), err)
	}

	_, err = s.Exec(`
		INSERT INTO samples (key, timestamp_ns, coil_key, target_key, coil_to_scan, visible)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			timestamp_ns = excluded.timestamp_ns,
			coil_key     = excluded.coil_key,
			target_key   = excluded.target_key,
			coil_to_scan = excluded.coil_to_scan,
			visible      = excluded.visible
	`,
		sample.Key(),
		sample.Timestamp().UnixNano(),
		sample.CoilKey(),
		sample.TargetKey(),
		pose,
		sample.Visible(),
	)
	if err != nil {
		return fmt.Errorf("failed to record sample %q: %w", sample.Key(), err)
	}
	return nil
}

// Sample loads a single sample by key, or ErrNotFound.
func (s *Store) Sample(key string) (*track.Sample, error) {
	row := s.QueryRow(`
		SELECT key, timestamp_ns, coil_key, target_key, coil_to_scan, visible
		FROM samples WHERE key = ?
	`, key)

	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sample %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %q: %w", key, err)
	}
	return sample, nil
}

// Samples loads all recorded samples, oldest first.
func (s *Store) Samples() ([]*track.Sample, error) {
	rows, err := s.Query(`
		SELECT key, timestamp_ns, coil_key, target_key, coil_to_scan, visible
		FROM samples ORDER BY timestamp_ns, key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []*track.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample row: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return samples, nil
}

// DeleteSample removes one recorded sample. Deleting an absent key is not
// an error.
func (s *Store) DeleteSample(key string) error {
	if _, err := s.Exec(`DELETE FROM samples WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete sample %q: %w", key, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*track.Sample, error) {
	var (
		key, coilKey, targetKey string
		timestampNs             int64
		pose                    sql.NullString
		visible                 bool
	)
	if err := row.Scan(&key, &timestampNs, &coilKey, &targetKey, &pose, &visible); err != nil {
		return nil, err
	}

	sample := track.NewSample(key, time.Unix(0, timestampNs))
	sample.SetCoilKey(coilKey)
	sample.SetTargetKey(targetKey)
	sample.SetVisible(visible)
	if pose.Valid {
		t, err := decodePose(pose.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt pose for sample %q: %w", key, err)
		}
		sample.SetCoilToScan(t)
	}
	return sample, nil
}

func encodePose(t *xfm.Transform) (sql.NullString, error) {
	if t == nil {
		return sql.NullString{}, nil
	}
	buf, err := json.Marshal(t)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(buf), Valid: true}, nil
}

func decodePose(s string) (*xfm.Transform, error) {
	var t xfm.Transform
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return nil, err
	}
	return &t, nil
}
