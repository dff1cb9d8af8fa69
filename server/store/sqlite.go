package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-node Store for small deployments and local
// development. The pool is pinned to one connection, which serializes
// writes and keeps ":memory:" databases coherent.
type SQLiteStore struct {
	db *sql.DB
}

// Timestamps are stored as fixed-width UTC text so that string comparison
// in SQL matches chronological order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

func encodeTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS machines (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		mac_address          TEXT NOT NULL UNIQUE,
		hostname             TEXT NOT NULL,
		os_type              TEXT NOT NULL,
		os_version           TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL DEFAULT 'offline'
		                     CHECK (status IN ('online', 'idle', 'offline')),
		last_seen            TEXT,
		uptime_seconds       INTEGER NOT NULL DEFAULT 0,
		total_idle_seconds   INTEGER NOT NULL DEFAULT 0,
		total_active_seconds INTEGER NOT NULL DEFAULT 0,
		energy_wasted_kwh    REAL NOT NULL DEFAULT 0,
		first_seen           TEXT NOT NULL,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_machines_status ON machines (status)`,
	`CREATE TABLE IF NOT EXISTS heartbeats (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_id   INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
		timestamp    TEXT NOT NULL,
		idle_seconds INTEGER NOT NULL DEFAULT 0,
		cpu_usage    REAL NOT NULL DEFAULT 0,
		memory_usage REAL NOT NULL DEFAULT 0,
		is_idle      BOOLEAN NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		UNIQUE (machine_id, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_heartbeats_machine_time ON heartbeats (machine_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS agent_tokens (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_id INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL UNIQUE,
		issued_at  TEXT NOT NULL,
		expires_at TEXT,
		revoked    BOOLEAN NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tokens_machine ON agent_tokens (machine_id)`,
	`CREATE TABLE IF NOT EXISTS machine_commands (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		machine_id  INTEGER NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
		command     TEXT NOT NULL CHECK (command IN ('sleep', 'shutdown')),
		status      TEXT NOT NULL DEFAULT 'pending'
		            CHECK (status IN ('pending', 'executed', 'failed', 'expired')),
		created_by  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		executed_at TEXT,
		result_msg  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_status ON machine_commands (machine_id, status)`,
	`CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    TEXT NOT NULL
	)`,
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. ":memory:" is accepted for tests.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to init sqlite schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func scanMachineSQL(row rowScanner) (*Machine, error) {
	var m Machine
	var lastSeen sql.NullString
	var firstSeen, createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.MACAddress, &m.Hostname, &m.OSType, &m.OSVersion,
		&m.Status, &lastSeen, &m.UptimeSeconds, &m.TotalIdleSeconds,
		&m.TotalActiveSeconds, &m.EnergyWastedKWH, &firstSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan machine: %w", err)
	}
	if lastSeen.Valid {
		t, err := decodeTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		m.LastSeen = &t
	}
	if m.FirstSeen, err = decodeTime(firstSeen); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanCommandSQL(row rowScanner) (*MachineCommand, error) {
	var c MachineCommand
	var createdAt string
	var executedAt sql.NullString
	err := row.Scan(&c.ID, &c.MachineID, &c.Command, &c.Status, &c.CreatedBy,
		&createdAt, &executedAt, &c.ResultMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan command: %w", err)
	}
	if c.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if executedAt.Valid {
		t, err := decodeTime(executedAt.String)
		if err != nil {
			return nil, err
		}
		c.ExecutedAt = &t
	}
	return &c, nil
}

func (s *SQLiteStore) EnsureMachine(ctx context.Context, mac, hostname, osType, osVersion string) (*Machine, bool, error) {
	now := encodeTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO machines
			(mac_address, hostname, os_type, os_version, status, first_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'offline', ?, ?, ?)`,
		mac, hostname, osType, osVersion, now, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to ensure machine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	created := n > 0

	if !created {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE machines SET hostname = ?, os_type = ?, os_version = ?, updated_at = ?
			WHERE mac_address = ?`,
			hostname, osType, osVersion, now, mac); err != nil {
			return nil, false, fmt.Errorf("failed to refresh machine identity: %w", err)
		}
	}

	m, err := s.GetMachineByMAC(ctx, mac)
	if err != nil {
		return nil, false, err
	}
	if m == nil {
		return nil, false, ErrNotFound
	}
	return m, created, nil
}

func (s *SQLiteStore) GetMachine(ctx context.Context, id int64) (*Machine, error) {
	return scanMachineSQL(s.db.QueryRowContext(ctx,
		`SELECT `+machineCols+` FROM machines WHERE id = ?`, id))
}

func (s *SQLiteStore) GetMachineByMAC(ctx context.Context, mac string) (*Machine, error) {
	return scanMachineSQL(s.db.QueryRowContext(ctx,
		`SELECT `+machineCols+` FROM machines WHERE mac_address = ?`, mac))
}

func (s *SQLiteStore) ListMachines(ctx context.Context, status, search string) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+machineCols+` FROM machines
		WHERE (? = '' OR status = ?)
		  AND (? = '' OR LOWER(hostname) LIKE '%' || LOWER(?) || '%'
		       OR LOWER(mac_address) LIKE '%' || LOWER(?) || '%'
		       OR LOWER(os_type) LIKE '%' || LOWER(?) || '%')
		ORDER BY hostname, id`,
		status, status, search, search, search, search)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		m, err := scanMachineSQL(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *SQLiteStore) DeleteMachine(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer tx.Rollback()

	// Explicit cascade; cheaper than trusting the pragma survived.
	for _, stmt := range []string{
		`DELETE FROM heartbeats WHERE machine_id = ?`,
		`DELETE FROM agent_tokens WHERE machine_id = ?`,
		`DELETE FROM machine_commands WHERE machine_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return false, fmt.Errorf("failed to delete machine rows: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete machine: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit delete tx: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ApplyHeartbeat(ctx context.Context, machineID int64, hb *Heartbeat, fn ApplyFunc) (*HeartbeatResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin heartbeat tx: %w", err)
	}
	defer tx.Rollback()

	m, err := scanMachineSQL(tx.QueryRowContext(ctx,
		`SELECT `+machineCols+` FROM machines WHERE id = ?`, machineID))
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO heartbeats
			(machine_id, timestamp, idle_seconds, cpu_usage, memory_usage, is_idle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		machineID, encodeTime(hb.Timestamp), hb.IdleSeconds, hb.CPUUsage, hb.MemoryUsage,
		hb.IsIdle, encodeTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to insert heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit heartbeat tx: %w", err)
		}
		return &HeartbeatResult{Applied: false, PrevStatus: m.Status, NewStatus: m.Status}, nil
	}

	delta, err := fn(m)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE machines SET
			total_idle_seconds   = total_idle_seconds + ?,
			total_active_seconds = total_active_seconds + ?,
			energy_wasted_kwh    = energy_wasted_kwh + ?,
			uptime_seconds       = ?,
			last_seen            = ?,
			status               = ?,
			updated_at           = ?
		WHERE id = ?`,
		delta.IdleSeconds, delta.ActiveSeconds, delta.EnergyKWH, delta.UptimeSeconds,
		encodeTime(delta.SeenAt), delta.Status, encodeTime(time.Now()), machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to apply heartbeat delta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit heartbeat tx: %w", err)
	}
	return &HeartbeatResult{Applied: true, PrevStatus: m.Status, NewStatus: delta.Status}, nil
}

func (s *SQLiteStore) ListHeartbeats(ctx context.Context, machineID int64, since time.Time, limit int) ([]*Heartbeat, error) {
	if limit <= 0 {
		limit = -1 // sqlite: negative LIMIT disables it
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_id, timestamp, idle_seconds, cpu_usage, memory_usage, is_idle, created_at
		FROM heartbeats
		WHERE machine_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`,
		machineID, encodeTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []*Heartbeat
	for rows.Next() {
		var hb Heartbeat
		var ts, createdAt string
		if err := rows.Scan(&hb.ID, &hb.MachineID, &ts, &hb.IdleSeconds,
			&hb.CPUUsage, &hb.MemoryUsage, &hb.IsIdle, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		if hb.Timestamp, err = decodeTime(ts); err != nil {
			return nil, err
		}
		if hb.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		beats = append(beats, &hb)
	}
	return beats, rows.Err()
}

func (s *SQLiteStore) PruneHeartbeats(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM heartbeats WHERE timestamp < ?`, encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune heartbeats: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) MarkSilentOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET status = 'offline', updated_at = ?
		WHERE status <> 'offline' AND (last_seen IS NULL OR last_seen < ?)`,
		encodeTime(time.Now()), encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to mark silent machines offline: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RotateAgentToken(ctx context.Context, machineID int64, tokenHash string, expiresAt *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin token tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_tokens SET revoked = 1 WHERE machine_id = ? AND revoked = 0`,
		machineID); err != nil {
		return fmt.Errorf("failed to revoke agent tokens: %w", err)
	}
	var expires any
	if expiresAt != nil {
		expires = encodeTime(*expiresAt)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_tokens (machine_id, token_hash, issued_at, expires_at) VALUES (?, ?, ?, ?)`,
		machineID, tokenHash, encodeTime(time.Now()), expires); err != nil {
		return fmt.Errorf("failed to insert agent token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit token tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindAgentToken(ctx context.Context, tokenHash string) (*AgentToken, error) {
	var t AgentToken
	var issuedAt string
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, machine_id, token_hash, issued_at, expires_at, revoked
		FROM agent_tokens WHERE token_hash = ?`,
		tokenHash).Scan(&t.ID, &t.MachineID, &t.TokenHash, &issuedAt, &expiresAt, &t.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find agent token: %w", err)
	}
	if t.IssuedAt, err = decodeTime(issuedAt); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		e, err := decodeTime(expiresAt.String)
		if err != nil {
			return nil, err
		}
		t.ExpiresAt = &e
	}
	return &t, nil
}

func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *MachineCommand) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO machine_commands (machine_id, command, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cmd.MachineID, cmd.Command, cmd.Status, cmd.CreatedBy, encodeTime(now))
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	cmd.ID = id
	cmd.CreatedAt = now
	return nil
}

func (s *SQLiteStore) GetCommand(ctx context.Context, id int64) (*MachineCommand, error) {
	return scanCommandSQL(s.db.QueryRowContext(ctx,
		`SELECT `+commandCols+` FROM machine_commands WHERE id = ?`, id))
}

func (s *SQLiteStore) PendingCommands(ctx context.Context, machineID int64) ([]*MachineCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commandCols+` FROM machine_commands
		WHERE machine_id = ? AND status = 'pending'
		ORDER BY created_at, id`,
		machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []*MachineCommand
	for rows.Next() {
		c, err := scanCommandSQL(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) CompleteCommand(ctx context.Context, commandID, machineID int64, status string, executedAt time.Time, resultMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machine_commands
		SET status = ?, executed_at = ?, result_msg = ?
		WHERE id = ? AND machine_id = ? AND status = 'pending'`,
		status, encodeTime(executedAt), resultMsg, commandID, machineID)
	if err != nil {
		return 0, fmt.Errorf("failed to complete command: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ExpireCommands(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machine_commands SET status = 'expired'
		WHERE status = 'pending' AND created_at < ?`,
		encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to expire commands: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (username, password_hash, created_at)
		VALUES (?, ?, ?)`,
		username, passwordHash, encodeTime(time.Now())); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	u, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNotFound
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if u.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, passwordHash, userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) FleetStats(ctx context.Context) (*StatsAgg, error) {
	var agg StatsAgg
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'online' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'idle' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'offline' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_idle_seconds), 0),
			COALESCE(SUM(total_active_seconds), 0),
			COALESCE(SUM(energy_wasted_kwh), 0)
		FROM machines`).Scan(&agg.TotalMachines, &agg.Online, &agg.Idle, &agg.Offline,
		&agg.TotalIdleSeconds, &agg.TotalActiveSeconds, &agg.EnergyWastedKWH)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate fleet stats: %w", err)
	}
	return &agg, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}
