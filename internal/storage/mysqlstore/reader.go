package mysqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/storage"
)

type reader struct {
	s *Store
}

func (r *reader) LoadDocuments(ctx context.Context, tableID string, tsRange document.TimestampRange, order document.Order) ([]document.DocumentLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	query := fmt.Sprintf(documentsByTableQuery, order.String())
	rows, err := r.s.db.QueryContext(ctx, query, tableID, int64(tsRange.Start), int64(tsRange.End))
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: querying documents: %w", err)
	}
	defer rows.Close()

	var docs []document.DocumentLogEntry
	for rows.Next() {
		entry, err := scanDocRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("mysqlstore: scanning document: %w", err)
		}
		docs = append(docs, entry)
	}
	return docs, rows.Err()
}

func pickDocQuery(atTS *document.Timestamp) string {
	if atTS != nil {
		return latestDocumentAtTSQuery
	}
	return latestDocumentQuery
}

func docArgs(tableID string, id document.DocumentID, atTS *document.Timestamp) []any {
	if atTS != nil {
		return []any{tableID, id.Tablet.String(), id.Internal.String(), int64(*atTS)}
	}
	return []any{tableID, id.Tablet.String(), id.Internal.String()}
}

func (r *reader) GetDocument(ctx context.Context, tableID string, id document.DocumentID, atTS *document.Timestamp) (*document.DocumentLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	row := r.s.db.QueryRowContext(ctx, pickDocQuery(atTS), docArgs(tableID, id, atTS)...)
	entry, err := scanDocRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: querying document %s/%s: %w", tableID, id, err)
	}
	if entry.IsTombstone() {
		return nil, nil
	}
	return &entry, nil
}

// PreviousRevisions answers each query independently against
// previousRevisionQuery, matching GetDocuments's per-id loop idiom: a
// single IN-list query can't express per-row ts thresholds that differ
// across queries.
func (r *reader) PreviousRevisions(ctx context.Context, queries []storage.RevisionQuery) (map[storage.RevisionQuery]*document.DocumentLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	stmt, err := r.s.db.PrepareContext(ctx, previousRevisionQuery)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: preparing previous-revision query: %w", err)
	}
	defer stmt.Close()

	result := make(map[storage.RevisionQuery]*document.DocumentLogEntry, len(queries))
	for _, q := range queries {
		row := stmt.QueryRowContext(ctx, q.TableID, q.ID.Tablet.String(), q.ID.Internal.String(), int64(q.TS))
		entry, err := scanDocRow(row.Scan)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mysqlstore: previous revision of %s/%s: %w", q.TableID, q.ID, err)
		}
		result[q] = &entry
	}
	return result, nil
}

func (r *reader) GetDocuments(ctx context.Context, tableID string, ids []document.DocumentID, atTS *document.Timestamp) (map[document.DocumentID]*document.DocumentLogEntry, error) {
	result := make(map[document.DocumentID]*document.DocumentLogEntry, len(ids))
	for _, id := range ids {
		doc, err := r.GetDocument(ctx, tableID, id, atTS)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			result[id] = doc
		}
	}
	return result, nil
}

func (r *reader) IndexScan(ctx context.Context, indexID string, interval storage.Interval, readTS document.Timestamp, order document.Order, limit int) ([]storage.IndexResult, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if readTS == 0 {
		readTS = document.Now()
	}

	query := fmt.Sprintf(indexScanQuery, order.String(), order.String())

	startPrefix, _, _ := splitKey(interval.Start)
	if startPrefix == nil {
		// A nil slice binds as SQL NULL, which no key_prefix compares >= to.
		startPrefix = []byte{}
	}
	var endArg any
	if interval.End != nil {
		endPrefix, _, _ := splitKey(interval.End)
		endArg = endPrefix
	}

	rows, err := r.s.db.QueryContext(ctx, query, indexID, startPrefix, endArg, endArg, int64(readTS), int64(readTS), limit)
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: scanning index %s: %w", indexID, err)
	}
	defer rows.Close()

	var results []storage.IndexResult
	for rows.Next() {
		var tabletStr, internalStr, tableID string
		var ts int64
		var jsonValue sql.NullString
		var prevTS sql.NullInt64
		var prefix, suffix []byte

		if err := rows.Scan(&tabletStr, &internalStr, &ts, &tableID, &jsonValue, &prevTS, &prefix, &suffix); err != nil {
			return nil, fmt.Errorf("mysqlstore: scanning index result: %w", err)
		}
		tablet, err := document.ParseTabletID(tabletStr)
		if err != nil {
			return nil, err
		}
		internal, err := document.ParseInternalID(internalStr)
		if err != nil {
			return nil, err
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
				return nil, err
			}
			entry.Value = doc
		}
		results = append(results, storage.IndexResult{Key: append(append([]byte{}, prefix...), suffix...), Document: entry})
	}
	return results, rows.Err()
}

func (r *reader) IndexGet(ctx context.Context, indexID string, key []byte, readTS document.Timestamp) (*document.DocumentLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if readTS == 0 {
		readTS = document.Now()
	}
	prefix, sha, _ := splitKey(key)

	entry, err := scanDocRow(r.s.db.QueryRowContext(ctx, indexGetQuery, indexID, prefix, sha, int64(readTS), int64(readTS)).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mysqlstore: index get %s: %w", indexID, err)
	}
	return &entry, nil
}

func (r *reader) MaxTimestamp(ctx context.Context) (document.Timestamp, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var ts int64
	if err := r.s.db.QueryRowContext(ctx, maxTimestampQuery).Scan(&ts); err != nil {
		return 0, fmt.Errorf("mysqlstore: querying max timestamp: %w", err)
	}
	return document.Timestamp(ts), nil
}

func (r *reader) DocumentCount(ctx context.Context, tableID string) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var count int64
	if err := r.s.db.QueryRowContext(ctx, documentCountQuery, tableID).Scan(&count); err != nil {
		return 0, fmt.Errorf("mysqlstore: counting documents in %s: %w", tableID, err)
	}
	return count, nil
}

var _ storage.PersistenceReader = (*reader)(nil)
