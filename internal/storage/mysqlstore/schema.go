package mysqlstore

// schema is the MySQL DDL mirroring sqlitestore's schema, adapted for
// MySQL's type system and window-function support (MySQL 8+), and grounded
// on the teacher's own go.mod, which already depends on go-sql-driver/mysql
// for its dolt/MySQL-compatible storage path even though beads' convex
// layer itself only ships a SQLite backend — this fills that gap with a
// second real backend for the same persistence interface.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	tablet_id VARCHAR(36) NOT NULL,
	internal_id VARCHAR(36) NOT NULL,
	ts BIGINT UNSIGNED NOT NULL,
	table_id VARCHAR(128) NOT NULL,
	json_value LONGTEXT,
	prev_ts BIGINT UNSIGNED NULL,
	PRIMARY KEY (ts, tablet_id, internal_id),
	INDEX idx_documents_by_id (tablet_id, internal_id, ts DESC),
	INDEX idx_documents_by_table (table_id, ts DESC)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS indexes (
	index_id VARCHAR(128) NOT NULL,
	key_prefix VARBINARY(2500) NOT NULL,
	key_sha256 BINARY(32) NOT NULL,
	key_suffix VARBINARY(8192) NOT NULL,
	ts BIGINT UNSIGNED NOT NULL,
	deleted TINYINT NOT NULL DEFAULT 0,
	tablet_id VARCHAR(36),
	internal_id VARCHAR(36),
	PRIMARY KEY (index_id, key_prefix, key_sha256, ts),
	INDEX idx_indexes_by_doc (tablet_id, internal_id, ts DESC)
) ENGINE=InnoDB;

CREATE TABLE IF NOT EXISTS persistence_globals (
	` + "`key`" + ` VARCHAR(128) PRIMARY KEY,
	json_value LONGTEXT NOT NULL
) ENGINE=InnoDB;
`

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

	// overwrite variants back ConflictOverwrite: an existing row at the
	// primary key has its non-key columns replaced instead of erroring.
	overwriteDocumentQuery = `
INSERT INTO documents (tablet_id, internal_id, ts, table_id, json_value, prev_ts)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE table_id = VALUES(table_id), json_value = VALUES(json_value), prev_ts = VALUES(prev_ts)
`

	overwriteIndexQuery = `
INSERT INTO indexes (index_id, key_prefix, key_sha256, key_suffix, ts, deleted, tablet_id, internal_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE key_suffix = VALUES(key_suffix), deleted = VALUES(deleted), tablet_id = VALUES(tablet_id), internal_id = VALUES(internal_id)
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

	getGlobalQuery = "SELECT json_value FROM persistence_globals WHERE `key` = ?"
	setGlobalQuery = "INSERT INTO persistence_globals (`key`, json_value) VALUES (?, ?) ON DUPLICATE KEY UPDATE json_value = VALUES(json_value)"

	maxTimestampQuery = `SELECT COALESCE(MAX(ts), 0) FROM documents`

	documentCountQuery = `
SELECT COUNT(DISTINCT CONCAT(tablet_id, '/', internal_id))
FROM documents d
WHERE table_id = ? AND json_value IS NOT NULL
  AND ts = (SELECT MAX(ts) FROM documents WHERE table_id = d.table_id AND tablet_id = d.tablet_id AND internal_id = d.internal_id)
`

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
	// each document. MySQL forbids deleting from a table while selecting
	// from it directly, so the victim set is materialized as a derived
	// table (the inner SELECT) before being used in the outer DELETE.
	purgeDocumentsQuery = `
DELETE FROM documents
WHERE (tablet_id, internal_id, ts) IN (
	SELECT tablet_id, internal_id, ts FROM (
		SELECT d.tablet_id, d.internal_id, d.ts
		FROM documents d
		LEFT JOIN (
			SELECT tablet_id, internal_id, MAX(ts) AS keep_ts
			FROM documents
			WHERE ts <= ?
			GROUP BY tablet_id, internal_id
		) k ON k.tablet_id = d.tablet_id AND k.internal_id = d.internal_id AND k.keep_ts = d.ts
		WHERE d.ts < ? AND k.keep_ts IS NULL
		LIMIT ?
	) AS victims
)
`

	// purgeIndexEntriesQuery mirrors purgeDocumentsQuery for the indexes
	// table.
	purgeIndexEntriesQuery = `
DELETE FROM indexes
WHERE (index_id, key_prefix, key_sha256, ts) IN (
	SELECT index_id, key_prefix, key_sha256, ts FROM (
		SELECT i.index_id, i.key_prefix, i.key_sha256, i.ts
		FROM indexes i
		LEFT JOIN (
			SELECT index_id, key_prefix, key_sha256, MAX(ts) AS keep_ts
			FROM indexes
			WHERE ts <= ?
			GROUP BY index_id, key_prefix, key_sha256
		) k ON k.index_id = i.index_id AND k.key_prefix = i.key_prefix AND k.key_sha256 = i.key_sha256 AND k.keep_ts = i.ts
		WHERE i.ts < ? AND k.keep_ts IS NULL
		LIMIT ?
	) AS victims
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
