// Package metadata implements the spectrum metadata store (spec component
// F): arbitrary per-spectrum key/value records, retrievable by global
// index. One table per bucket holds the reserved columns the spec names
// (precursor_mz, charge, scan, file_name) plus an opaque JSON blob for any
// other caller-supplied keys, keyed by the spectrum's local index within
// that bucket.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite" // pure Go driver, no cgo

	"github.com/flashentropy/flashentropy/internal/errors"
)

// reservedKeys are the well-known metadata keys the spec names (§6); they
// get dedicated columns instead of living in the opaque JSON blob.
const (
	KeyPrecursorMZ = "precursor_mz"
	KeyPeaks       = "peaks"
	KeyCharge      = "charge"
	KeyScan        = "scan"
	KeyFileName    = "file_name"
)

// FileName is the name of the metadata database file under a library root.
const FileName = "metadata.db"

// Store is the sqlite-backed metadata store for one library root. It owns
// one table per bucket, created lazily on first write.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the metadata database at <root>/metadata.db.
func Open(root string) (*Store, error) {
	path := filepath.Join(root, FileName)
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.IO("metadata: open database", err, false)
	}
	// Metadata writes are serialized with the library's single-writer
	// discipline anyway (internal/lock); a single connection avoids sqlite
	// SQLITE_BUSY churn under modernc.org/sqlite's driver.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func bucketTable(bucketID int) string {
	return fmt.Sprintf("bucket_%d_meta", bucketID)
}

// EnsureBucket creates the metadata table for bucketID if it does not
// already exist.
func (s *Store) EnsureBucket(ctx context.Context, bucketID int) error {
	table := bucketTable(bucketID)
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		local_index INTEGER PRIMARY KEY,
		precursor_mz REAL,
		has_charge INTEGER NOT NULL DEFAULT 0,
		charge INTEGER,
		scan INTEGER,
		file_name TEXT,
		extra_json TEXT NOT NULL DEFAULT '{}'
	)`, table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errors.IO("metadata: create bucket table", err, false)
	}
	return nil
}

// Record is one spectrum's metadata, joined by key.
type Record = map[string]any

// Put stores rec for (bucketID, localIndex), overwriting any existing
// record. Reserved keys (§6) are pulled into their dedicated columns; every
// other key is serialized into the opaque JSON blob.
func (s *Store) Put(ctx context.Context, bucketID int, localIndex uint64, rec Record) error {
	if err := s.EnsureBucket(ctx, bucketID); err != nil {
		return err
	}

	extra := make(map[string]any, len(rec))
	var precursorMZ sql.NullFloat64
	var hasCharge bool
	var charge sql.NullInt64
	var scan sql.NullInt64
	var fileName sql.NullString

	for k, v := range rec {
		switch k {
		case KeyPrecursorMZ:
			if f, ok := toFloat64(v); ok {
				precursorMZ = sql.NullFloat64{Float64: f, Valid: true}
			}
		case KeyCharge:
			if i, ok := toInt64(v); ok {
				charge = sql.NullInt64{Int64: i, Valid: true}
				hasCharge = true
			}
		case KeyScan:
			if i, ok := toInt64(v); ok {
				scan = sql.NullInt64{Int64: i, Valid: true}
			}
		case KeyFileName:
			if str, ok := v.(string); ok {
				fileName = sql.NullString{String: str, Valid: true}
			}
		case KeyPeaks:
			// Peak lists live in the compact index's own CSR arrays, not
			// the metadata blob; silently ignored if passed through here.
		default:
			extra[k] = v
		}
	}

	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return errors.Validation("metadata: marshal extra keys", err)
	}

	table := bucketTable(bucketID)
	query := fmt.Sprintf(`INSERT INTO %s
		(local_index, precursor_mz, has_charge, charge, scan, file_name, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_index) DO UPDATE SET
			precursor_mz=excluded.precursor_mz,
			has_charge=excluded.has_charge,
			charge=excluded.charge,
			scan=excluded.scan,
			file_name=excluded.file_name,
			extra_json=excluded.extra_json`, table)
	if _, err := s.db.ExecContext(ctx, query, localIndex, precursorMZ, hasCharge, charge, scan, fileName, string(extraJSON)); err != nil {
		return errors.IO("metadata: put record", err, false)
	}
	return nil
}

// Get retrieves the metadata record stored for (bucketID, localIndex).
// Returns errors.KindValidation if no such record exists.
func (s *Store) Get(ctx context.Context, bucketID int, localIndex uint64) (Record, error) {
	table := bucketTable(bucketID)
	var tables int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&tables); err != nil {
		return nil, errors.IO("metadata: get record", err, false)
	}
	if tables == 0 {
		return nil, errors.Validation(fmt.Sprintf("metadata: no record for local index %d", localIndex), nil)
	}
	query := fmt.Sprintf(`SELECT precursor_mz, has_charge, charge, scan, file_name, extra_json
		FROM %s WHERE local_index = ?`, table)

	var precursorMZ sql.NullFloat64
	var hasCharge bool
	var charge sql.NullInt64
	var scan sql.NullInt64
	var fileName sql.NullString
	var extraJSON string

	row := s.db.QueryRowContext(ctx, query, localIndex)
	if err := row.Scan(&precursorMZ, &hasCharge, &charge, &scan, &fileName, &extraJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Validation(fmt.Sprintf("metadata: no record for local index %d", localIndex), nil)
		}
		return nil, errors.IO("metadata: get record", err, false)
	}

	rec := make(Record)
	if precursorMZ.Valid {
		rec[KeyPrecursorMZ] = float32(precursorMZ.Float64)
	}
	if hasCharge && charge.Valid {
		rec[KeyCharge] = int8(charge.Int64)
	}
	if scan.Valid {
		rec[KeyScan] = int(scan.Int64)
	}
	if fileName.Valid {
		rec[KeyFileName] = fileName.String
	}
	var extra map[string]any
	if err := json.Unmarshal([]byte(extraJSON), &extra); err == nil {
		for k, v := range extra {
			rec[k] = v
		}
	}
	return rec, nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
