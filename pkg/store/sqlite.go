// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jllopis/humanloop/pkg/core"
	"github.com/jllopis/humanloop/pkg/errors"

	_ "modernc.org/sqlite"
)

const (
	requestTable = "humanloop_requests"
	sessionTable = "humanloop_sessions"
	turnTable    = "humanloop_turns"
	tokenTable   = "humanloop_tokens"
)

// SQLiteStore persists requests, sessions and tokens in a SQLite database.
// Request payloads are stored as JSON, so numbers read back as float64.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn with the modernc driver and ensures schema.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// Each connection would get its own private database.
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore creates a SQLite-backed store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSQLiteSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureSQLiteSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expire_at INTEGER NOT NULL DEFAULT 0,
			completed_at INTEGER NOT NULL DEFAULT 0,
			request_json BLOB NOT NULL
		);`, requestTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);`, requestTable, requestTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_conversation ON %s(conversation_id);`, requestTable, requestTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expire ON %s(expire_at);`, requestTable, requestTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`, sessionTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			request_id TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`, turnTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`, tokenTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateRequest inserts a new request.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *core.Request) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, conversation_id, task_id, kind, channel, status, created_at, expire_at, completed_at, request_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING", requestTable),
		req.ID, req.ConversationID, req.TaskID, string(req.Kind), req.Channel, string(req.Status),
		req.CreatedAt.UnixMilli(), unixMilli(req.ExpireAt), unixMilli(req.CompletedAt), payload)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.CodeInvalidInput, "request %q already exists", req.ID)
	}
	return nil
}

// GetRequest returns a request by id.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*core.Request, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT request_json FROM %s WHERE id = ?", requestTable), id).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, requestNotFound(id)
		}
		return nil, err
	}
	return decodeRequest(payload)
}

// CompleteRequest applies a terminal transition with a conditional update
// on the pending status.
func (s *SQLiteStore) CompleteRequest(ctx context.Context, id string, c core.Completion) (*core.Request, error) {
	if err := validateCompletion(c); err != nil {
		return nil, err
	}
	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return req, alreadyResolved(req)
	}
	c.Apply(req)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, completed_at = ?, request_json = ? WHERE id = ? AND status = ?", requestTable),
		string(req.Status), unixMilli(req.CompletedAt), payload, id, string(core.StatusPending))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, alreadyResolved(current)
	}
	return req, nil
}

// ListRequests returns requests matching the filter, oldest first.
func (s *SQLiteStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*core.Request, error) {
	where := "1=1"
	args := make([]any, 0)
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.ConversationID != "" {
		where += " AND conversation_id = ?"
		args = append(args, filter.ConversationID)
	}
	if filter.Channel != "" {
		where += " AND channel = ?"
		args = append(args, filter.Channel)
	}
	if filter.TaskID != "" {
		where += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	if !filter.ExpiringBefore.IsZero() {
		where += " AND expire_at > 0 AND expire_at <= ?"
		args = append(args, filter.ExpiringBefore.UnixMilli())
	}
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	query := fmt.Sprintf("SELECT request_json FROM %s WHERE %s ORDER BY created_at ASC, id ASC%s", requestTable, where, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*core.Request, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		req, err := decodeRequest(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CreateSession inserts a new session with its initial turns.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *core.Session) error {
	if session == nil || session.ID == "" {
		return errors.New(errors.CodeInvalidInput, "session id is required", nil)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, channel, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING", sessionTable),
		session.ID, session.Channel, string(session.Status), session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.CodeInvalidInput, "conversation %q already exists", session.ID)
	}
	for i, turn := range session.Turns {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (session_id, seq, request_id) VALUES (?, ?, ?)", turnTable),
			session.ID, i, turn); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSession returns a session by id with its ordered turns.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*core.Session, error) {
	return getSession(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getSession(ctx context.Context, q queryer, id string) (*core.Session, error) {
	var (
		session     core.Session
		status      string
		createdAtMs int64
		updatedAtMs int64
	)
	err := q.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, channel, status, created_at, updated_at FROM %s WHERE id = ?", sessionTable), id).
		Scan(&session.ID, &session.Channel, &status, &createdAtMs, &updatedAtMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sessionNotFound(id)
		}
		return nil, err
	}
	session.Status = core.SessionStatus(status)
	session.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	session.UpdatedAt = time.UnixMilli(updatedAtMs).UTC()
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT request_id FROM %s WHERE session_id = ? ORDER BY seq ASC", turnTable), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	session.Turns = make([]string, 0)
	for rows.Next() {
		var turn string
		if err := rows.Scan(&turn); err != nil {
			return nil, err
		}
		session.Turns = append(session.Turns, turn)
	}
	return &session, rows.Err()
}

// AppendTurn records a new turn on the session.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID, requestID string) (*core.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET updated_at = ? WHERE id = ?", sessionTable),
		time.Now().UTC().UnixMilli(), sessionID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, sessionNotFound(sessionID)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (session_id, seq, request_id) SELECT ?, COALESCE(MAX(seq), -1) + 1, ? FROM %s WHERE session_id = ?", turnTable, turnTable),
		sessionID, requestID, sessionID); err != nil {
		return nil, err
	}
	session, err := getSession(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	return session, tx.Commit()
}

// CloseSession moves an active session to a closed status.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, status core.SessionStatus) (*core.Session, bool, error) {
	if err := validateClose(status); err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET status = ?, updated_at = ? WHERE id = ? AND status = ?", sessionTable),
		string(status), time.Now().UTC().UnixMilli(), sessionID, string(core.SessionActive))
	if err != nil {
		return nil, false, err
	}
	n, _ := res.RowsAffected()
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return session, n > 0, nil
}

// SaveToken registers a resume token.
func (s *SQLiteStore) SaveToken(ctx context.Context, token core.ResumeToken) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (key, request_id, conversation_id, created_at) VALUES (?, ?, ?, ?) ON CONFLICT(key) DO NOTHING", tokenTable),
		token.Key, token.RequestID, token.ConversationID, token.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return duplicateToken(token.Key)
	}
	return nil
}

// GetToken returns a resume token by key.
func (s *SQLiteStore) GetToken(ctx context.Context, key string) (*core.ResumeToken, error) {
	var (
		token       core.ResumeToken
		createdAtMs int64
	)
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT key, request_id, conversation_id, created_at FROM %s WHERE key = ?", tokenTable), key).
		Scan(&token.Key, &token.RequestID, &token.ConversationID, &createdAtMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Newf(errors.CodeUnknownToken, "no resume token for key %q", key)
		}
		return nil, err
	}
	token.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	return &token, nil
}

// Reap removes completed records older than the cutoff in one transaction.
func (s *SQLiteStore) Reap(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	sessions, err := collectIDs(ctx, tx,
		fmt.Sprintf("SELECT id FROM %s WHERE status != ? AND updated_at < ?", sessionTable),
		string(core.SessionActive), cutoff)
	if err != nil {
		return 0, err
	}
	requests := make([]string, 0)
	for _, id := range sessions {
		turns, err := collectIDs(ctx, tx,
			fmt.Sprintf("SELECT request_id FROM %s WHERE session_id = ?", turnTable), id)
		if err != nil {
			return 0, err
		}
		requests = append(requests, turns...)
	}
	standalone, err := collectIDs(ctx, tx,
		fmt.Sprintf(`SELECT id FROM %s WHERE status != ? AND kind != ?
			AND (conversation_id = '' OR conversation_id = id)
			AND completed_at > 0 AND completed_at < ?`, requestTable),
		string(core.StatusPending), string(core.KindConversation), cutoff)
	if err != nil {
		return 0, err
	}
	requests = append(requests, standalone...)

	removed := 0
	for _, id := range requests {
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", requestTable), id)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		removed += int(n)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE request_id = ?", tokenTable), id); err != nil {
			return 0, err
		}
	}
	for _, id := range sessions {
		for _, stmt := range []string{
			fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", turnTable),
			fmt.Sprintf("DELETE FROM %s WHERE id = ?", sessionTable),
			fmt.Sprintf("DELETE FROM %s WHERE conversation_id = ?", tokenTable),
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return 0, err
			}
		}
	}
	return removed, tx.Commit()
}

func collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRequest(payload []byte) (*core.Request, error) {
	var req core.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
