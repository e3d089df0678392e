package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tagdoc/api/internal/tags"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, displayName, email, passwordHash string) (User, error) {
	const insertUser = `
		INSERT INTO users (display_name, email, password_hash)
		VALUES ($1, LOWER($2), $3)
		RETURNING id, display_name, email, created_at, updated_at
	`
	var user User
	err := s.db.QueryRowContext(ctx, insertUser, displayName, email, passwordHash).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	user.PasswordHash = passwordHash
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE email = LOWER($1)
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- refresh sessions ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// --- document states ---

func (s *PostgresStore) CreateState(ctx context.Context, name string, doc *tags.Document) (StateInfo, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return StateInfo{}, fmt.Errorf("marshal state document: %w", err)
	}
	const insertState = `
		INSERT INTO states (name, document)
		VALUES ($1, $2)
		RETURNING id, name, created_at, updated_at
	`
	var info StateInfo
	err = s.db.QueryRowContext(ctx, insertState, name, payload).
		Scan(&info.ID, &info.Name, &info.CreatedAt, &info.UpdatedAt)
	if err != nil {
		return StateInfo{}, fmt.Errorf("insert state: %w", err)
	}
	return info, nil
}

func (s *PostgresStore) GetStateByName(ctx context.Context, name string) (StateInfo, *tags.Document, error) {
	const query = `SELECT id, name, document, created_at, updated_at FROM states WHERE name = $1`
	var info StateInfo
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&info.ID, &info.Name, &payload, &info.CreatedAt, &info.UpdatedAt)
	if err != nil {
		return StateInfo{}, nil, err
	}
	var doc tags.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return StateInfo{}, nil, fmt.Errorf("unmarshal state document: %w", err)
	}
	return info, &doc, nil
}

func (s *PostgresStore) SaveStateDocument(ctx context.Context, stateID string, doc *tags.Document) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state document: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE states SET document=$2, updated_at=NOW() WHERE id=$1
	`, stateID, payload)
	if err != nil {
		return fmt.Errorf("save state document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) RenameState(ctx context.Context, stateID, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE states SET name=$2, updated_at=NOW() WHERE id=$1`, stateID, name)
	if err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteState(ctx context.Context, stateID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM states WHERE id=$1`, stateID)
	if err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListStates(ctx context.Context) ([]StateInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at, updated_at FROM states ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var states []StateInfo
	for rows.Next() {
		var info StateInfo
		if err := rows.Scan(&info.ID, &info.Name, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states = append(states, info)
	}
	return states, rows.Err()
}

func (s *PostgresStore) CountStates(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM states`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count states: %w", err)
	}
	return count, nil
}

// --- per-user view state ---

func (s *PostgresStore) GetViewState(ctx context.Context, userID, stateID string) (ViewState, error) {
	const query = `
		SELECT completed, collapsed, updated_at
		FROM view_states WHERE user_id=$1 AND state_id=$2
	`
	vs := ViewState{UserID: userID, StateID: stateID}
	var completed, collapsed []byte
	err := s.db.QueryRowContext(ctx, query, userID, stateID).Scan(&completed, &collapsed, &vs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return vs, nil
	}
	if err != nil {
		return ViewState{}, fmt.Errorf("read view state: %w", err)
	}
	if err := json.Unmarshal(completed, &vs.Completed); err != nil {
		return ViewState{}, fmt.Errorf("unmarshal completed set: %w", err)
	}
	if err := json.Unmarshal(collapsed, &vs.Collapsed); err != nil {
		return ViewState{}, fmt.Errorf("unmarshal collapsed set: %w", err)
	}
	return vs, nil
}

func (s *PostgresStore) SaveViewState(ctx context.Context, vs ViewState) error {
	completed, err := json.Marshal(emptyIfNil(vs.Completed))
	if err != nil {
		return fmt.Errorf("marshal completed set: %w", err)
	}
	collapsed, err := json.Marshal(emptyIfNil(vs.Collapsed))
	if err != nil {
		return fmt.Errorf("marshal collapsed set: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO view_states (user_id, state_id, completed, collapsed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, state_id) DO UPDATE SET completed=EXCLUDED.completed, collapsed=EXCLUDED.collapsed, updated_at=NOW()
	`, vs.UserID, vs.StateID, completed, collapsed)
	if err != nil {
		return fmt.Errorf("save view state: %w", err)
	}
	return nil
}

// --- tag audit ---

func (s *PostgresStore) InsertTagAudit(ctx context.Context, entry TagAuditEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tag_audit (state_id, action, tag, actor, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.StateID, entry.Action, entry.Tag, entry.Actor, details)
	if err != nil {
		return fmt.Errorf("insert tag audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTagAudit(ctx context.Context, stateID string, limit int) ([]TagAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state_id, action, tag, actor, details, created_at
		FROM tag_audit WHERE state_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, stateID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tag audit: %w", err)
	}
	defer rows.Close()

	var entries []TagAuditEntry
	for rows.Next() {
		var entry TagAuditEntry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.StateID, &entry.Action, &entry.Tag, &entry.Actor, &details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag audit: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// --- full-text fallback index ---

// NoteIndexRow is one note flattened for the search index; Body is plain
// text with markup already stripped.
type NoteIndexRow struct {
	SectionID string
	NoteID    string
	Title     string
	Body      string
	Tags      []string
}

func (s *PostgresStore) ReindexState(ctx context.Context, stateID string, entries []NoteIndexRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reindex tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM note_search WHERE state_id=$1`, stateID); err != nil {
		return fmt.Errorf("clear note index: %w", err)
	}
	const insertRow = `
		INSERT INTO note_search (state_id, section_id, note_id, title, body, tags, search)
		VALUES ($1, $2, $3, $4, $5, $6, to_tsvector('english', $4 || ' ' || $5))
	`
	for _, entry := range entries {
		tagsJSON, err := json.Marshal(emptyIfNil(entry.Tags))
		if err != nil {
			return fmt.Errorf("marshal index tags: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertRow, stateID, entry.SectionID, entry.NoteID, entry.Title, entry.Body, tagsJSON); err != nil {
			return fmt.Errorf("insert note index row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reindex tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchNotes(ctx context.Context, query string, limit int) ([]NoteSearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_id, section_id, note_id, title, LEFT(body, 200), tags,
			ts_rank(search, plainto_tsquery('english', $1)) AS rank
		FROM note_search
		WHERE search @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	defer rows.Close()

	var hits []NoteSearchHit
	for rows.Next() {
		var hit NoteSearchHit
		var tagsJSON []byte
		if err := rows.Scan(&hit.StateID, &hit.SectionID, &hit.NoteID, &hit.Title, &hit.Snippet, &tagsJSON, &hit.Rank); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &hit.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal hit tags: %w", err)
			}
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
