package processlog

const (
	queryInitTable = `CREATE TABLE IF NOT EXISTS processing_log (
		issue_key TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		last_source_updated INTEGER NOT NULL DEFAULT 0,
		last_outcome TEXT NOT NULL,
		synced_at INTEGER NOT NULL
	)`

	queryGet = `SELECT record_id, last_source_updated, last_outcome
		FROM processing_log WHERE issue_key = ?`

	queryUpsert = `INSERT INTO processing_log
		(issue_key, record_id, last_source_updated, last_outcome, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET
			record_id = excluded.record_id,
			last_source_updated = excluded.last_source_updated,
			last_outcome = excluded.last_outcome,
			synced_at = excluded.synced_at`

	// A failure keeps the previous watermark so the row stays eligible for
	// the next incremental pass.
	queryMarkFailed = `INSERT INTO processing_log
		(issue_key, record_id, last_source_updated, last_outcome, synced_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(issue_key) DO UPDATE SET
			last_outcome = excluded.last_outcome,
			synced_at = excluded.synced_at`

	queryAll = `SELECT issue_key, record_id, last_source_updated FROM processing_log`

	queryCount = `SELECT COUNT(*) FROM processing_log`

	queryDelete = `DELETE FROM processing_log WHERE issue_key = ?`

	queryClear = `DELETE FROM processing_log`

	queryCountByOutcome = `SELECT last_outcome, COUNT(*)
		FROM processing_log GROUP BY last_outcome`

	queryDeleteOlder = `DELETE FROM processing_log WHERE synced_at < ?`
)
