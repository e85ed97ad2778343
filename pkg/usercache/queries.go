package usercache

const (
	queryInitTable = `CREATE TABLE IF NOT EXISTS user_mapping (
		username TEXT PRIMARY KEY,
		sink_email TEXT,
		sink_user_id TEXT,
		sink_display_name TEXT,
		is_empty INTEGER NOT NULL DEFAULT 0,
		is_pending INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`

	queryGet = `SELECT sink_email, sink_user_id, sink_display_name, is_empty, is_pending
		FROM user_mapping WHERE username = ?`

	queryUpsert = `INSERT OR REPLACE INTO user_mapping
		(username, sink_email, sink_user_id, sink_display_name, is_empty, is_pending, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	// Pending entries plus valid-shaped rows that never got an id.
	queryIncomplete = `SELECT username FROM user_mapping
		WHERE is_pending = 1 OR (is_empty = 0 AND (sink_user_id IS NULL OR sink_user_id = ''))
		ORDER BY username`

	queryPending = `SELECT username FROM user_mapping WHERE is_pending = 1 ORDER BY username`

	queryCountByState = `SELECT
		SUM(CASE WHEN is_pending = 1 THEN 1 ELSE 0 END),
		SUM(CASE WHEN is_empty = 1 THEN 1 ELSE 0 END),
		SUM(CASE WHEN is_pending = 0 AND is_empty = 0 THEN 1 ELSE 0 END)
		FROM user_mapping`
)
