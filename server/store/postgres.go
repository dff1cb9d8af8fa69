package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Store backed by pgx connection pooling.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS machines (
		id                   BIGSERIAL PRIMARY KEY,
		mac_address          VARCHAR(17) NOT NULL UNIQUE,
		hostname             VARCHAR(255) NOT NULL,
		os_type              VARCHAR(50) NOT NULL,
		os_version           VARCHAR(100) NOT NULL DEFAULT '',
		status               VARCHAR(10) NOT NULL DEFAULT 'offline'
		                     CHECK (status IN ('online', 'idle', 'offline')),
		last_seen            TIMESTAMPTZ,
		uptime_seconds       BIGINT NOT NULL DEFAULT 0,
		total_idle_seconds   BIGINT NOT NULL DEFAULT 0,
		total_active_seconds BIGINT NOT NULL DEFAULT 0,
		energy_wasted_kwh    DOUBLE PRECISION NOT NULL DEFAULT 0,
		first_seen           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_machines_status ON machines (status)`,
	`CREATE TABLE IF NOT EXISTS heartbeats (
		id           BIGSERIAL PRIMARY KEY,
		machine_id   BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
		timestamp    TIMESTAMPTZ NOT NULL,
		idle_seconds BIGINT NOT NULL DEFAULT 0,
		cpu_usage    DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_usage DOUBLE PRECISION NOT NULL DEFAULT 0,
		is_idle      BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (machine_id, timestamp)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_heartbeats_machine_time ON heartbeats (machine_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS agent_tokens (
		id         BIGSERIAL PRIMARY KEY,
		machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
		token_hash VARCHAR(64) NOT NULL UNIQUE,
		issued_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_tokens_machine ON agent_tokens (machine_id)`,
	`CREATE TABLE IF NOT EXISTS machine_commands (
		id          BIGSERIAL PRIMARY KEY,
		machine_id  BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
		command     VARCHAR(10) NOT NULL CHECK (command IN ('sleep', 'shutdown')),
		status      VARCHAR(10) NOT NULL DEFAULT 'pending'
		            CHECK (status IN ('pending', 'executed', 'failed', 'expired')),
		created_by  VARCHAR(255) NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		executed_at TIMESTAMPTZ,
		result_msg  VARCHAR(500) NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_pending ON machine_commands (machine_id, created_at) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGSERIAL PRIMARY KEY,
		username      VARCHAR(255) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

const machineCols = `id, mac_address, hostname, os_type, os_version, status, last_seen,
	uptime_seconds, total_idle_seconds, total_active_seconds, energy_wasted_kwh,
	first_seen, created_at, updated_at`

const commandCols = `id, machine_id, command, status, created_by, created_at, executed_at, result_msg`

// NewPostgresStore connects, verifies the connection, and creates the
// schema if it is missing. maxConns <= 0 falls back to 20.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 20
	}
	config.MaxConns = maxConns
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(row rowScanner) (*Machine, error) {
	var m Machine
	err := row.Scan(&m.ID, &m.MACAddress, &m.Hostname, &m.OSType, &m.OSVersion,
		&m.Status, &m.LastSeen, &m.UptimeSeconds, &m.TotalIdleSeconds,
		&m.TotalActiveSeconds, &m.EnergyWastedKWH, &m.FirstSeen, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan machine: %w", err)
	}
	return &m, nil
}

func scanCommand(row rowScanner) (*MachineCommand, error) {
	var c MachineCommand
	err := row.Scan(&c.ID, &c.MachineID, &c.Command, &c.Status, &c.CreatedBy,
		&c.CreatedAt, &c.ExecutedAt, &c.ResultMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan command: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) EnsureMachine(ctx context.Context, mac, hostname, osType, osVersion string) (*Machine, bool, error) {
	m, err := scanMachine(s.pool.QueryRow(ctx, `
		INSERT INTO machines (mac_address, hostname, os_type, os_version, status)
		VALUES ($1, $2, $3, $4, 'offline')
		ON CONFLICT (mac_address) DO NOTHING
		RETURNING `+machineCols,
		mac, hostname, osType, osVersion))
	if err != nil {
		return nil, false, err
	}
	if m != nil {
		return m, true, nil
	}

	// Lost the insert race or the machine already existed: refresh the
	// identity fields and return the surviving row.
	m, err = scanMachine(s.pool.QueryRow(ctx, `
		UPDATE machines
		SET hostname = $2, os_type = $3, os_version = $4, updated_at = NOW()
		WHERE mac_address = $1
		RETURNING `+machineCols,
		mac, hostname, osType, osVersion))
	if err != nil {
		return nil, false, err
	}
	if m == nil {
		return nil, false, ErrNotFound
	}
	return m, false, nil
}

func (s *PostgresStore) GetMachine(ctx context.Context, id int64) (*Machine, error) {
	return scanMachine(s.pool.QueryRow(ctx,
		`SELECT `+machineCols+` FROM machines WHERE id = $1`, id))
}

func (s *PostgresStore) GetMachineByMAC(ctx context.Context, mac string) (*Machine, error) {
	return scanMachine(s.pool.QueryRow(ctx,
		`SELECT `+machineCols+` FROM machines WHERE mac_address = $1`, mac))
}

func (s *PostgresStore) ListMachines(ctx context.Context, status, search string) ([]*Machine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+machineCols+` FROM machines
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR hostname ILIKE '%' || $2 || '%'
		       OR mac_address ILIKE '%' || $2 || '%'
		       OR os_type ILIKE '%' || $2 || '%')
		ORDER BY hostname, id`,
		status, search)
	if err != nil {
		return nil, fmt.Errorf("failed to list machines: %w", err)
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *PostgresStore) DeleteMachine(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM machines WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete machine: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ApplyHeartbeat(ctx context.Context, machineID int64, hb *Heartbeat, fn ApplyFunc) (*HeartbeatResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin heartbeat tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row lock serializes concurrent heartbeats for the same machine.
	m, err := scanMachine(tx.QueryRow(ctx,
		`SELECT `+machineCols+` FROM machines WHERE id = $1 FOR UPDATE`, machineID))
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO heartbeats (machine_id, timestamp, idle_seconds, cpu_usage, memory_usage, is_idle)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (machine_id, timestamp) DO NOTHING`,
		machineID, hb.Timestamp, hb.IdleSeconds, hb.CPUUsage, hb.MemoryUsage, hb.IsIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to insert heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Duplicate delivery: nothing to apply.
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to commit heartbeat tx: %w", err)
		}
		return &HeartbeatResult{Applied: false, PrevStatus: m.Status, NewStatus: m.Status}, nil
	}

	delta, err := fn(m)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE machines SET
			total_idle_seconds   = total_idle_seconds + $2,
			total_active_seconds = total_active_seconds + $3,
			energy_wasted_kwh    = energy_wasted_kwh + $4,
			uptime_seconds       = $5,
			last_seen            = $6,
			status               = $7,
			updated_at           = NOW()
		WHERE id = $1`,
		machineID, delta.IdleSeconds, delta.ActiveSeconds, delta.EnergyKWH,
		delta.UptimeSeconds, delta.SeenAt, delta.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to apply heartbeat delta: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit heartbeat tx: %w", err)
	}
	return &HeartbeatResult{Applied: true, PrevStatus: m.Status, NewStatus: delta.Status}, nil
}

func (s *PostgresStore) ListHeartbeats(ctx context.Context, machineID int64, since time.Time, limit int) ([]*Heartbeat, error) {
	var lim any // LIMIT NULL disables it
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, machine_id, timestamp, idle_seconds, cpu_usage, memory_usage, is_idle, created_at
		FROM heartbeats
		WHERE machine_id = $1 AND timestamp >= $2
		ORDER BY timestamp DESC
		LIMIT $3`,
		machineID, since, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []*Heartbeat
	for rows.Next() {
		var hb Heartbeat
		if err := rows.Scan(&hb.ID, &hb.MachineID, &hb.Timestamp, &hb.IdleSeconds,
			&hb.CPUUsage, &hb.MemoryUsage, &hb.IsIdle, &hb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		beats = append(beats, &hb)
	}
	return beats, rows.Err()
}

func (s *PostgresStore) PruneHeartbeats(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM heartbeats WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) MarkSilentOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE machines SET status = 'offline', updated_at = NOW()
		WHERE status <> 'offline' AND (last_seen IS NULL OR last_seen < $1)`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark silent machines offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RotateAgentToken(ctx context.Context, machineID int64, tokenHash string, expiresAt *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin token tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE agent_tokens SET revoked = TRUE WHERE machine_id = $1 AND NOT revoked`,
		machineID); err != nil {
		return fmt.Errorf("failed to revoke agent tokens: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_tokens (machine_id, token_hash, expires_at) VALUES ($1, $2, $3)`,
		machineID, tokenHash, expiresAt); err != nil {
		return fmt.Errorf("failed to insert agent token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit token tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindAgentToken(ctx context.Context, tokenHash string) (*AgentToken, error) {
	var t AgentToken
	err := s.pool.QueryRow(ctx, `
		SELECT id, machine_id, token_hash, issued_at, expires_at, revoked
		FROM agent_tokens WHERE token_hash = $1`,
		tokenHash).Scan(&t.ID, &t.MachineID, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &t.Revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find agent token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateCommand(ctx context.Context, cmd *MachineCommand) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO machine_commands (machine_id, command, status, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		cmd.MachineID, cmd.Command, cmd.Status, cmd.CreatedBy).Scan(&cmd.ID, &cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCommand(ctx context.Context, id int64) (*MachineCommand, error) {
	return scanCommand(s.pool.QueryRow(ctx,
		`SELECT `+commandCols+` FROM machine_commands WHERE id = $1`, id))
}

func (s *PostgresStore) PendingCommands(ctx context.Context, machineID int64) ([]*MachineCommand, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+commandCols+` FROM machine_commands
		WHERE machine_id = $1 AND status = 'pending'
		ORDER BY created_at, id`,
		machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []*MachineCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) CompleteCommand(ctx context.Context, commandID, machineID int64, status string, executedAt time.Time, resultMsg string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE machine_commands
		SET status = $3, executed_at = $4, result_msg = $5
		WHERE id = $1 AND machine_id = $2 AND status = 'pending'`,
		commandID, machineID, status, executedAt, resultMsg)
	if err != nil {
		return 0, fmt.Errorf("failed to complete command: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ExpireCommands(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE machine_commands SET status = 'expired'
		WHERE status = 'pending' AND created_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire commands: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (username) DO NOTHING
		RETURNING id, username, password_hash, created_at`,
		username, passwordHash).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// First writer wins; hand back the existing account.
		return s.GetUserByUsername(ctx, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at FROM users WHERE username = $1`,
		username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FleetStats(ctx context.Context) (*StatsAgg, error) {
	var agg StatsAgg
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'online'),
			COUNT(*) FILTER (WHERE status = 'idle'),
			COUNT(*) FILTER (WHERE status = 'offline'),
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
