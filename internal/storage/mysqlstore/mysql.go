// Package mysqlstore implements storage.Persistence on top of MySQL using
// go-sql-driver/mysql, the same driver the teacher's go.mod already
// requires for its dolt/MySQL-compatible storage path. It mirrors
// sqlitestore's write/read contract so internal/txn can run against either
// backend interchangeably.
package mysqlstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-sql-driver/mysql"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
)

// classifyInsertError maps MySQL's duplicate-entry error (1062) onto the
// portable ErrPrimaryKeyCollision sentinel so the commit path can classify
// a racing duplicate write as an OCC conflict.
func classifyInsertError(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return fmt.Errorf("%v: %w", err, storage.ErrPrimaryKeyCollision)
	}
	return err
}

// Store implements storage.Persistence using MySQL.
type Store struct {
	db  *sql.DB
	dsn string
	mu  sync.RWMutex
}

// Open connects to a MySQL database at dsn (a go-sql-driver/mysql data
// source name) and ensures the schema exists. Unlike sqlitestore, MySQL
// databases are typically provisioned ahead of time, so IsFresh always
// reports false; callers that need first-run detection should check
// DocumentCount/MaxTimestamp instead.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: connecting: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysqlstore: initializing schema: %w", err)
	}
	return &Store{db: db, dsn: dsn}, nil
}

func (s *Store) IsFresh() bool { return false }

func (s *Store) Reader() storage.PersistenceReader { return &reader{s: s} }

func (s *Store) Path() string { return s.dsn }

func (s *Store) Close() error { return s.db.Close() }

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
		return storage.Lease{}, fmt.Errorf("mysqlstore: acquiring lease: %w", err)
	}
	return lease, nil
}

func (s *Store) CurrentLease(ctx context.Context) (storage.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, getGlobalQuery, string(storage.GlobalWriterLease)).Scan(&value)
	if err == sql.ErrNoRows {
		return storage.Lease{}, nil
	}
	if err != nil {
		return storage.Lease{}, fmt.Errorf("mysqlstore: reading lease: %w", err)
	}
	var lease storage.Lease
	if err := json.Unmarshal([]byte(value), &lease); err != nil {
		return storage.Lease{}, fmt.Errorf("mysqlstore: decoding lease: %w", err)
	}
	return lease, nil
}

func (s *Store) Write(ctx context.Context, lease storage.Lease, batch storage.WriteBatch, strategy storage.ConflictStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mysqlstore: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var value string
	err = tx.QueryRowContext(ctx, getGlobalQuery, string(storage.GlobalWriterLease)).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		return fmt.Errorf("mysqlstore: %w", storage.ErrNoLease)
	case err != nil:
		return fmt.Errorf("mysqlstore: reading lease: %w", err)
	}
	var current storage.Lease
	if err := json.Unmarshal([]byte(value), &current); err != nil {
		return fmt.Errorf("mysqlstore: decoding lease: %w", err)
	}
	if current.Token != lease.Token {
		return fmt.Errorf("mysqlstore: %w", storage.ErrLeaseLost)
	}

	insertDoc, insertIdx := insertDocumentQuery, insertIndexQuery
	if strategy == storage.ConflictOverwrite {
		insertDoc, insertIdx = overwriteDocumentQuery, overwriteIndexQuery
	}

	docStmt, err := tx.PrepareContext(ctx, insertDoc)
	if err != nil {
		return fmt.Errorf("mysqlstore: preparing document insert: %w", err)
	}
	defer docStmt.Close()

	for _, doc := range batch.Documents {
		var jsonValue any
		if doc.Value != nil {
			raw, err := document.Marshal(doc.Value)
			if err != nil {
				return fmt.Errorf("mysqlstore: marshaling document %s: %w", doc.ID, err)
			}
			jsonValue = string(raw)
		}
		var prevTS any
		if doc.PrevTS != nil {
			prevTS = int64(*doc.PrevTS)
		}
		if _, err := docStmt.ExecContext(ctx, doc.ID.Tablet.String(), doc.ID.Internal.String(), int64(doc.TS), doc.TableID, jsonValue, prevTS); err != nil {
			return fmt.Errorf("mysqlstore: inserting document %s: %w", doc.ID, classifyInsertError(err))
		}
	}

	if len(batch.Indexes) > 0 {
		idxStmt, err := tx.PrepareContext(ctx, insertIdx)
		if err != nil {
			return fmt.Errorf("mysqlstore: preparing index insert: %w", err)
		}
		defer idxStmt.Close()

		for _, idx := range batch.Indexes {
			prefix, sha, suffix := splitKey(idx.Key)
			deletedInt := 0
			if idx.Deleted {
				deletedInt = 1
			}
			if _, err := idxStmt.ExecContext(ctx, idx.IndexID, prefix, sha, suffix, int64(idx.TS), deletedInt, idx.DocumentID.Tablet.String(), idx.DocumentID.Internal.String()); err != nil {
				return fmt.Errorf("mysqlstore: inserting index entry: %w", classifyInsertError(err))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mysqlstore: committing transaction: %w", err)
	}
	return nil
}

// maxPurgeBatch stands in for "unlimited" in a MySQL LIMIT clause, which
// (unlike SQLite's LIMIT -1) requires a concrete upper bound.
const maxPurgeBatch = 1 << 31

func (s *Store) PurgeDocumentsBefore(ctx context.Context, lease storage.Lease, cutoff document.Timestamp, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLeaseLocked(ctx, lease); err != nil {
		return 0, err
	}
	batch := limit
	if batch <= 0 {
		batch = maxPurgeBatch
	}
	res, err := s.db.ExecContext(ctx, purgeDocumentsQuery, int64(cutoff), int64(cutoff), batch)
	if err != nil {
		return 0, fmt.Errorf("mysqlstore: purging documents: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) PurgeIndexEntriesBefore(ctx context.Context, lease storage.Lease, cutoff document.Timestamp, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLeaseLocked(ctx, lease); err != nil {
		return 0, err
	}
	batch := limit
	if batch <= 0 {
		batch = maxPurgeBatch
	}
	res, err := s.db.ExecContext(ctx, purgeIndexEntriesQuery, int64(cutoff), int64(cutoff), batch)
	if err != nil {
		return 0, fmt.Errorf("mysqlstore: purging index entries: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) checkLeaseLocked(ctx context.Context, lease storage.Lease) error {
	var value string
	err := s.db.QueryRowContext(ctx, getGlobalQuery, string(storage.GlobalWriterLease)).Scan(&value)
	if err == sql.ErrNoRows {
		return storage.ErrNoLease
	}
	if err != nil {
		return fmt.Errorf("mysqlstore: reading lease: %w", err)
	}
	var current storage.Lease
	if err := json.Unmarshal([]byte(value), &current); err != nil {
		return fmt.Errorf("mysqlstore: decoding lease: %w", err)
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
		return fmt.Errorf("mysqlstore: writing global %s: %w", key, err)
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
		return nil, fmt.Errorf("mysqlstore: reading global %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

var _ storage.Persistence = (*Store)(nil)

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
