// Package sqlitestore implements storage.Persistence on top of SQLite,
// adapted from the teacher's internal/storage/convex.SQLitePersistence
// (internal/storage/convex/sqlite.go): same driver, same WAL pragma
// connection string, same single-writer connection pool, same
// prepared-statement-inside-one-transaction write path. Generalized from a
// fixed beads document shape to the domain-neutral document model, and
// extended with the long-key split schema and the writer lease.
package sqlitestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
)

// Store implements storage.Persistence using SQLite as the backing file.
type Store struct {
	db     *sql.DB
	dbPath string
	fresh  bool
	mu     sync.RWMutex
}

// Open opens (and if necessary creates) a SQLite-backed persistence store
// at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	fresh := false
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fresh = true
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: creating database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if fresh {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: initializing schema: %w", err)
		}
		versionJSON, _ := json.Marshal(1)
		if _, err := db.ExecContext(ctx, setGlobalQuery, string(storage.GlobalSchemaVersion), string(versionJSON)); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: setting schema version: %w", err)
		}
	}

	return &Store{db: db, dbPath: dbPath, fresh: fresh}, nil
}

func (s *Store) IsFresh() bool { return s.fresh }

func (s *Store) Reader() storage.PersistenceReader { return &reader{s: s} }

func (s *Store) Path() string { return s.dbPath }

func (s *Store) Close() error { return s.db.Close() }

// splitKey divides an index key into the primary-key-bearing prefix (at
// most keyPrefixLimit bytes), its sha256, and the remainder suffix.
func splitKey(key []byte) (prefix, sha, suffix []byte) {
	if len(key) <= keyPrefixLimit {
		prefix = key
	} else {
		prefix = key[:keyPrefixLimit]
		suffix = key[keyPrefixLimit:]
	}
	h := sha256.Sum256(key)
	return prefix, h[:], suffix
}

func (s *Store) AcquireLease(ctx context.Context, token string, at document.Timestamp) (storage.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease := storage.Lease{Token: token, AcquiredAt: at}
	raw, err := json.Marshal(lease)
	if err != nil {
		return storage.Lease{}, err
	}
	if _, err := s.db.ExecContext(ctx, setGlobalQuery, string(storage.GlobalWriterLease), string(raw)); err != nil {
		return storage.Lease{}, fmt.Errorf("sqlitestore: acquiring lease: %w", err)
	}
	return lease, nil
}

func (s *Store) CurrentLease(ctx context.Context) (storage.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLeaseLocked(ctx)
}

func (s *Store) currentLeaseLocked(ctx context.Context) (storage.Lease, error) {
	var value string
	err := s.db.QueryRowContext(ctx, getGlobalQuery, string(storage.GlobalWriterLease)).Scan(&value)
	if err == sql.ErrNoRows {
		return storage.Lease{}, nil
	}
	if err != nil {
		return storage.Lease{}, fmt.Errorf("sqlitestore: reading lease: %w", err)
	}
	var lease storage.Lease
	if err := json.Unmarshal([]byte(value), &lease); err != nil {
		return storage.Lease{}, fmt.Errorf("sqlitestore: decoding lease: %w", err)
	}
	return lease, nil
}

// Write atomically writes a batch of documents and index entries, first
// re-checking the writer lease inside the same transaction so a lease
// change between AcquireLease and Write is caught rather than racing
// silently onto disk. ConflictOverwrite swaps the plain INSERTs for
// INSERT OR REPLACE; under ConflictError a UNIQUE violation surfaces as
// ErrPrimaryKeyCollision.
func (s *Store) Write(ctx context.Context, lease storage.Lease, batch storage.WriteBatch, strategy storage.ConflictStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var value string
	err = tx.QueryRowContext(ctx, getGlobalQuery, string(storage.GlobalWriterLease)).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return fmt.Errorf("sqlitestore: %w", storage.ErrNoLease)
	case err != nil:
		return fmt.Errorf("sqlitestore: reading lease: %w", err)
	}
	var current storage.Lease
	if err := json.Unmarshal([]byte(value), &current); err != nil {
		return fmt.Errorf("sqlitestore: decoding lease: %w", err)
	}
	if current.Token != lease.Token {
		return fmt.Errorf("sqlitestore: %w", storage.ErrLeaseLost)
	}

	insertDoc, insertIdx := insertDocumentQuery, insertIndexQuery
	if strategy == storage.ConflictOverwrite {
		insertDoc, insertIdx = overwriteDocumentQuery, overwriteIndexQuery
	}

	docStmt, err := tx.PrepareContext(ctx, insertDoc)
	if err != nil {
		return fmt.Errorf("sqlitestore: preparing document insert: %w", err)
	}
	defer docStmt.Close()

	for _, doc := range batch.Documents {
		var jsonValue any
		if doc.Value != nil {
			raw, err := document.Marshal(doc.Value)
			if err != nil {
				return fmt.Errorf("sqlitestore: marshaling document %s: %w", doc.ID, err)
			}
			jsonValue = string(raw)
		}
		var prevTS any
		if doc.PrevTS != nil {
			prevTS = int64(*doc.PrevTS)
		}
		if _, err := docStmt.ExecContext(ctx, doc.ID.Tablet.String(), doc.ID.Internal.String(), int64(doc.TS), tableIDOf(doc), jsonValue, prevTS); err != nil {
			return fmt.Errorf("sqlitestore: inserting document %s: %w", doc.ID, classifyInsertError(err))
		}
	}

	if len(batch.Indexes) > 0 {
		idxStmt, err := tx.PrepareContext(ctx, insertIdx)
		if err != nil {
			return fmt.Errorf("sqlitestore: preparing index insert: %w", err)
		}
		defer idxStmt.Close()

		for _, idx := range batch.Indexes {
			prefix, sha, suffix := splitKey(idx.Key)
			deletedInt := 0
			if idx.Deleted {
				deletedInt = 1
			}
			if _, err := idxStmt.ExecContext(ctx, idx.IndexID, prefix, sha, suffix, int64(idx.TS), deletedInt, idx.DocumentID.Tablet.String(), idx.DocumentID.Internal.String()); err != nil {
				return fmt.Errorf("sqlitestore: inserting index entry: %w", classifyInsertError(err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: committing transaction: %w", err)
	}
	return nil
}

// classifyInsertError maps SQLite's UNIQUE-violation errors onto the
// portable ErrPrimaryKeyCollision sentinel so the commit path can classify
// a racing duplicate write as an OCC conflict.
func classifyInsertError(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("%v: %w", err, storage.ErrPrimaryKeyCollision)
	}
	return err
}

// tableIDOf returns the logical table id internal/txn stamps on each log
// entry; storage only persists it.
func tableIDOf(doc document.DocumentLogEntry) string {
	return doc.TableID
}

// PurgeDocumentsBefore re-validates the lease, then deletes stale document
// revisions older than cutoff, keeping each document's newest revision at
// or before cutoff.
func (s *Store) PurgeDocumentsBefore(ctx context.Context, lease storage.Lease, cutoff document.Timestamp, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLeaseLocked(ctx, lease); err != nil {
		return 0, err
	}
	batch := limit
	if batch <= 0 {
		batch = -1
	}
	res, err := s.db.ExecContext(ctx, purgeDocumentsQuery, int64(cutoff), int64(cutoff), batch)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: purging documents: %w", err)
	}
	return res.RowsAffected()
}

// PurgeIndexEntriesBefore is PurgeDocumentsBefore's analogue for the
// indexes table.
func (s *Store) PurgeIndexEntriesBefore(ctx context.Context, lease storage.Lease, cutoff document.Timestamp, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLeaseLocked(ctx, lease); err != nil {
		return 0, err
	}
	batch := limit
	if batch <= 0 {
		batch = -1
	}
	res, err := s.db.ExecContext(ctx, purgeIndexEntriesQuery, int64(cutoff), int64(cutoff), batch)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: purging index entries: %w", err)
	}
	return res.RowsAffected()
}

// checkLeaseLocked re-validates the presented lease against the persisted
// one, matching the recheck Write performs, so retention purges are
// refused as soon as this process stops being the writer.
func (s *Store) checkLeaseLocked(ctx context.Context, lease storage.Lease) error {
	current, err := s.currentLeaseLocked(ctx)
	if err != nil {
		return err
	}
	if current.Token == "" {
		return storage.ErrNoLease
	}
	if current.Token != lease.Token {
		return storage.ErrLeaseLost
	}
	return nil
}

func (s *Store) WriteGlobal(ctx context.Context, key storage.GlobalKey, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, setGlobalQuery, string(key), string(value)); err != nil {
		return fmt.Errorf("sqlitestore: writing global %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetGlobal(ctx context.Context, key storage.GlobalKey) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, getGlobalQuery, string(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: reading global %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

var _ storage.Persistence = (*Store)(nil)

// scanDocRow scans the common (tablet_id, internal_id, ts, table_id,
// json_value, prev_ts) column set shared by every document query.
func scanDocRow(scan func(...any) error) (document.DocumentLogEntry, error) {
	var tabletStr, internalStr, tableID string
	var ts int64
	var jsonValue sql.NullString
	var prevTS sql.NullInt64

	if err := scan(&tabletStr, &internalStr, &ts, &tableID, &jsonValue, &prevTS); err != nil {
		return document.DocumentLogEntry{}, err
	}
	tablet, err := document.ParseTabletID(tabletStr)
	if err != nil {
		return document.DocumentLogEntry{}, err
	}
	internal, err := document.ParseInternalID(internalStr)
	if err != nil {
		return document.DocumentLogEntry{}, err
	}
	id := document.DocumentID{Tablet: tablet, Internal: internal}

	entry := document.DocumentLogEntry{TS: document.Timestamp(ts), ID: id, TableID: tableID}
	if prevTS.Valid {
		p := document.Timestamp(prevTS.Int64)
		entry.PrevTS = &p
	}
	if jsonValue.Valid {
		doc, err := document.Unmarshal(id, json.RawMessage(jsonValue.String))
		if err != nil {
			return document.DocumentLogEntry{}, err
		}
		entry.Value = doc
	}
	return entry, nil
}
