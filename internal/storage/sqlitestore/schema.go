package sqlitestore

// schema is the SQLite DDL for the document log, secondary index, and
// persistence-globals tables, adapted from the teacher's three-table
// convex.Schema (internal/storage/convex/schema.go) with the index key
// split into (key_prefix, key_sha256, key_suffix) per the long-key storage
// constraint: SQLite primary keys built from the full key would exceed
// practical row-key limits for long encoded tuples, so only the first
// keyPrefixLimit bytes participate in the primary key and the sha256 of
// the full key breaks ties; key_suffix carries the remainder for
// reconstructing the logical key.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	tablet_id TEXT NOT NULL,
	internal_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	table_id TEXT NOT NULL,
	json_value TEXT,
	prev_ts INTEGER,
	PRIMARY KEY (ts, tablet_id, internal_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_by_id ON documents(tablet_id, internal_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_documents_by_table ON documents(table_id, ts DESC);

CREATE TABLE IF NOT EXISTS indexes (
	index_id TEXT NOT NULL,
	key_prefix BLOB NOT NULL,
	key_sha256 BLOB NOT NULL,
	key_suffix BLOB NOT NULL,
	ts INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	tablet_id TEXT,
	internal_id TEXT,
	PRIMARY KEY (index_id, key_prefix, key_sha256, ts)
);

CREATE INDEX IF NOT EXISTS idx_indexes_by_key ON indexes(index_id, key_prefix, key_sha256, ts DESC);
CREATE INDEX IF NOT EXISTS idx_indexes_by_doc ON indexes(tablet_id, internal_id, ts DESC);

CREATE TABLE IF NOT EXISTS persistence_globals (
	key TEXT PRIMARY KEY,
	json_value TEXT NOT NULL
);
`

// keyPrefixLimit bounds how many bytes of an index key live in the primary
// key, per spec.md's (index_id, key_prefix, key_sha256, key_suffix) layout.
const keyPrefixLimit = 2500

const (
	insertDocumentQuery = `
INSERT INTO documents (tablet_id, internal_id, ts, table_id, json_value, prev_ts)
VALUES (?, ?, ?, ?, ?, ?)
`

	insertIndexQuery = `
INSERT INTO indexes (index_id, key_prefix, key_sha256, key_suffix, ts, deleted, tablet_id, internal_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

	// overwrite variants back ConflictOverwrite: same column lists, but an
	// existing row at the primary key is replaced instead of erroring.
	overwriteDocumentQuery = `
INSERT OR REPLACE INTO documents (tablet_id, internal_id, ts, table_id, json_value, prev_ts)
VALUES (?, ?, ?, ?, ?, ?)
`

	overwriteIndexQuery = `
INSERT OR REPLACE INTO indexes (index_id, key_prefix, key_sha256, key_suffix, ts, deleted, tablet_id, internal_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

	latestDocumentQuery = `
SELECT tablet_id, internal_id, ts, table_id, json_value, prev_ts
FROM documents
WHERE table_id = ? AND tablet_id = ? AND internal_id = ?
ORDER BY ts DESC
LIMIT 1
`

	latestDocumentAtTSQuery = `
SELECT tablet_id, internal_id, ts, table_id, json_value, prev_ts
FROM documents
WHERE table_id = ? AND tablet_id = ? AND internal_id = ? AND ts <= ?
ORDER BY ts DESC
LIMIT 1
`

	// previousRevisionQuery backs PreviousRevisions: the largest revision
	// strictly before the given ts, tombstones included (no json_value
	// filter), per spec.md §4.2.
	previousRevisionQuery = `
SELECT tablet_id, internal_id, ts, table_id, json_value, prev_ts
FROM documents
WHERE table_id = ? AND tablet_id = ? AND internal_id = ? AND ts < ?
ORDER BY ts DESC
LIMIT 1
`

	documentsByTableQuery = `
SELECT tablet_id, internal_id, ts, table_id, json_value, prev_ts
FROM documents
WHERE table_id = ? AND ts >= ? AND ts <= ?
ORDER BY ts %s
`

	getGlobalQuery = `SELECT json_value FROM persistence_globals WHERE key = ?`
	setGlobalQuery = `INSERT OR REPLACE INTO persistence_globals (key, json_value) VALUES (?, ?)`

	maxTimestampQuery = `SELECT COALESCE(MAX(ts), 0) FROM documents`

	documentCountQuery = `
SELECT COUNT(DISTINCT tablet_id || '/' || internal_id)
FROM documents d
WHERE table_id = ? AND json_value IS NOT NULL
  AND ts = (SELECT MAX(ts) FROM documents WHERE table_id = d.table_id AND tablet_id = d.tablet_id AND internal_id = d.internal_id)
`

	// indexScanQuery selects the latest non-tombstoned index row per key at
	// or before readTS within [prefix_start, prefix_end), joined back to the
	// latest non-tombstoned document revision, matching the teacher's
	// ROW_NUMBER()-windowed IndexScanQuery.
	indexScanQuery = `
WITH latest_index AS (
	SELECT index_id, key_prefix, key_sha256, key_suffix, ts, deleted, tablet_id, internal_id,
	       ROW_NUMBER() OVER (PARTITION BY index_id, key_prefix, key_sha256 ORDER BY ts DESC) AS rn
	FROM indexes
	WHERE index_id = ? AND key_prefix >= ? AND (? IS NULL OR key_prefix < ?) AND ts <= ?
)
SELECT d.tablet_id, d.internal_id, d.ts, d.table_id, d.json_value, d.prev_ts, i.key_prefix, i.key_suffix
FROM latest_index i
JOIN documents d ON d.tablet_id = i.tablet_id AND d.internal_id = i.internal_id
WHERE i.rn = 1 AND i.deleted = 0 AND d.json_value IS NOT NULL
  AND d.ts = (
    SELECT MAX(ts) FROM documents
    WHERE tablet_id = i.tablet_id AND internal_id = i.internal_id AND ts <= ? AND json_value IS NOT NULL
  )
ORDER BY i.key_prefix %s, i.key_suffix %s
LIMIT ?
`

	// purgeDocumentsQuery deletes stale document revisions in one batch,
	// keeping the newest revision at or before the retention cutoff for
	// each document, per spec.md §4.7.
	purgeDocumentsQuery = `
WITH keep AS (
	SELECT tablet_id, internal_id, MAX(ts) AS keep_ts
	FROM documents
	WHERE ts <= ?
	GROUP BY tablet_id, internal_id
)
DELETE FROM documents
WHERE rowid IN (
	SELECT d.rowid
	FROM documents d
	LEFT JOIN keep k ON k.tablet_id = d.tablet_id AND k.internal_id = d.internal_id AND k.keep_ts = d.ts
	WHERE d.ts < ? AND k.keep_ts IS NULL
	LIMIT ?
)
`

	// purgeIndexEntriesQuery mirrors purgeDocumentsQuery for the indexes
	// table, grouping by (index_id, key_prefix, key_sha256) instead of
	// document identity.
	purgeIndexEntriesQuery = `
WITH keep AS (
	SELECT index_id, key_prefix, key_sha256, MAX(ts) AS keep_ts
	FROM indexes
	WHERE ts <= ?
	GROUP BY index_id, key_prefix, key_sha256
)
DELETE FROM indexes
WHERE rowid IN (
	SELECT i.rowid
	FROM indexes i
	LEFT JOIN keep k ON k.index_id = i.index_id AND k.key_prefix = i.key_prefix AND k.key_sha256 = i.key_sha256 AND k.keep_ts = i.ts
	WHERE i.ts < ? AND k.keep_ts IS NULL
	LIMIT ?
)
`

	indexGetQuery = `
WITH latest_index AS (
	SELECT index_id, key_prefix, key_sha256, key_suffix, ts, deleted, tablet_id, internal_id
	FROM indexes
	WHERE index_id = ? AND key_prefix = ? AND key_sha256 = ? AND ts <= ?
	ORDER BY ts DESC
	LIMIT 1
)
SELECT d.tablet_id, d.internal_id, d.ts, d.table_id, d.json_value, d.prev_ts
FROM latest_index i
JOIN documents d ON d.tablet_id = i.tablet_id AND d.internal_id = i.internal_id
WHERE i.deleted = 0 AND d.json_value IS NOT NULL
  AND d.ts = (
    SELECT MAX(ts) FROM documents
    WHERE tablet_id = i.tablet_id AND internal_id = i.internal_id AND ts <= ? AND json_value IS NOT NULL
  )
LIMIT 1
`
)
