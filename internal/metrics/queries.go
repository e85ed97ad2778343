package metrics

const (
	queryInitTable = `CREATE TABLE IF NOT EXISTS sync_cycles (
		cycle_id TEXT PRIMARY KEY,
		team TEXT NOT NULL,
		table_name TEXT NOT NULL,
		table_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		scanned INTEGER NOT NULL DEFAULT 0,
		stale INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`

	queryInsertCycle = `INSERT INTO sync_cycles
		(cycle_id, team, table_name, table_id, mode, started_at, finished_at,
		 scanned, stale, created, updated, failed, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryRecent = `SELECT cycle_id, team, table_name, table_id, mode,
		started_at, finished_at, scanned, stale, created, updated, failed, status, error
		FROM sync_cycles ORDER BY started_at DESC LIMIT ?`

	// Latest cycle per team/table pair.
	queryLatestPerBinding = `SELECT cycle_id, team, table_name, table_id, mode,
		started_at, finished_at, scanned, stale, created, updated, failed, status, error
		FROM sync_cycles
		WHERE started_at = (
			SELECT MAX(started_at) FROM sync_cycles s2
			WHERE s2.team = sync_cycles.team AND s2.table_name = sync_cycles.table_name
		)
		ORDER BY team, table_name`

	queryDeleteOlder = `DELETE FROM sync_cycles WHERE finished_at < ?`
)
