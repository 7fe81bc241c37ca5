// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists the agent registry and the conversation ledger with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	sealer *SecretSealer

	// appendMu serializes ledger appends so timestamps and seq agree
	appendMu sync.Mutex
	clock    *monotonicClock
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would see its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		clock:  newMonotonicClock(),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := s.primeClock(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading ledger high-water mark: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// SetSecretSealer enables sealing of agent secrets. Secrets written before the
// sealer was set remain readable as plaintext.
func (s *SQLiteStore) SetSecretSealer(sealer *SecretSealer) {
	s.sealer = sealer
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id      TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			capabilities  TEXT NOT NULL DEFAULT '[]',
			secret        TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS turns (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_id         TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			sender          TEXT NOT NULL,
			message         TEXT NOT NULL,
			ts              INTEGER NOT NULL,

			CHECK (sender IN ('parent', 'child'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_agent_sender ON turns(agent_id, sender, ts, seq);
		CREATE INDEX IF NOT EXISTS idx_turns_sender ON turns(sender, ts, seq);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, ts, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "turns",
			column: "activity_id",
			apply:  `ALTER TABLE turns ADD COLUMN activity_id TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// primeClock makes sure new turns sort after everything already on disk,
// even if the wall clock moved backwards across a restart.
func (s *SQLiteStore) primeClock() error {
	var maxTS sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(ts) FROM turns`).Scan(&maxTS); err != nil {
		return err
	}
	if maxTS.Valid {
		s.clock.observe(time.Unix(0, maxTS.Int64).UTC())
	}
	return nil
}

// Ping checks the database connection is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateAgent registers a new agent.
// Returns ErrDuplicateAgent if the id is already taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, reg *AgentRegistration) (*Agent, error) {
	caps := reg.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("encoding capabilities: %w", err)
	}

	secret, err := sealSecret(s.sealer, reg.Secret)
	if err != nil {
		return nil, fmt.Errorf("sealing secret: %w", err)
	}

	agent := &Agent{
		ID:           reg.ID,
		Name:         reg.Name,
		Capabilities: append([]string(nil), caps...),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}

	query := `
		INSERT INTO agents (agent_id, name, capabilities, secret, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		string(capsJSON),
		secret,
		agent.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateAgent
		}
		return nil, fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "agent_id", agent.ID, "capabilities", agent.Capabilities, "sealed", s.sealer != nil)
	return agent, nil
}

const agentColumns = `agent_id, name, capabilities, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var capsJSON, createdAt string

	if err := row.Scan(&agent.ID, &agent.Name, &capsJSON, &createdAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(capsJSON), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities for %s: %w", agent.ID, err)
	}

	var err error
	agent.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &agent, nil
}

// GetAgent retrieves an agent by id.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns every registered agent in registration order.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// FindAgentByCapability returns the earliest registered agent advertising capability.
// Returns ErrNotFound if none does.
func (s *SQLiteStore) FindAgentByCapability(ctx context.Context, capability string) (*Agent, error) {
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE EXISTS (SELECT 1 FROM json_each(agents.capabilities) WHERE json_each.value = ?)
		ORDER BY rowid ASC
		LIMIT 1
	`
	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, capability))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent by capability: %w", err)
	}
	return agent, nil
}

// GetAgentSecret returns the agent's plaintext issuance secret.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgentSecret(ctx context.Context, id string) (string, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT secret FROM agents WHERE agent_id = ?`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying agent secret: %w", err)
	}
	return openSecret(s.sealer, stored)
}

// AppendTurn records a turn in the ledger.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) error {
	if err := validateTurn(turn); err != nil {
		return err
	}
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	ts := s.clock.next()
	query := `
		INSERT INTO turns (turn_id, conversation_id, agent_id, sender, message, ts, activity_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		turn.ID,
		turn.ConversationID,
		turn.AgentID,
		string(turn.Sender),
		turn.Message,
		ts.UnixNano(),
		nullString(turn.ActivityID),
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading turn seq: %w", err)
	}
	turn.Timestamp = ts
	turn.Seq = seq

	s.logger.Debug("appended turn",
		"turn_id", turn.ID,
		"conversation_id", turn.ConversationID,
		"agent_id", turn.AgentID,
		"sender", turn.Sender,
		"seq", seq,
	)
	return nil
}

const turnColumns = `seq, turn_id, conversation_id, agent_id, sender, message, ts, activity_id`

func scanTurn(row rowScanner) (*Turn, error) {
	var turn Turn
	var sender string
	var ts int64
	var activityID sql.NullString

	if err := row.Scan(&turn.Seq, &turn.ID, &turn.ConversationID, &turn.AgentID, &sender, &turn.Message, &ts, &activityID); err != nil {
		return nil, err
	}

	turn.Sender = Sender(sender)
	turn.Timestamp = time.Unix(0, ts).UTC()
	if activityID.Valid {
		turn.ActivityID = activityID.String
	}
	return &turn, nil
}

// LatestTurn returns the newest turn matching filter.
func (s *SQLiteStore) LatestTurn(ctx context.Context, filter TurnFilter) (*Turn, error) {
	if filter.Sender != "" && !filter.Sender.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, filter.Sender)
	}

	var conds []string
	var args []any
	if filter.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ConversationID != "" {
		conds = append(conds, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Sender != "" {
		conds = append(conds, "sender = ?")
		args = append(args, string(filter.Sender))
	}

	query := `SELECT ` + turnColumns + ` FROM turns`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY ts DESC, seq DESC LIMIT 1`

	turn, err := scanTurn(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest turn: %w", err)
	}
	return turn, nil
}

// ListConversationTurns returns turns of a conversation, oldest first.
func (s *SQLiteStore) ListConversationTurns(ctx context.Context, conversationID string, limit int) ([]*Turn, error) {
	var query string
	var args []any

	if limit > 0 {
		// Take the newest N, then flip them back to chronological order
		query = `
			SELECT ` + turnColumns + ` FROM (
				SELECT ` + turnColumns + `
				FROM turns
				WHERE conversation_id = ?
				ORDER BY ts DESC, seq DESC
				LIMIT ?
			)
			ORDER BY ts ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + turnColumns + `
			FROM turns
			WHERE conversation_id = ?
			ORDER BY ts ASC, seq ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversation turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}
	return turns, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
