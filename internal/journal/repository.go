package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is one broker connection lifetime of a client.
type Session struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Topics         []string   `json:"topics"`
	PublishedCount int        `json:"published_count"`
	RelayedCount   int        `json:"relayed_count"`
}

// Filter controls which sessions List returns.
type Filter struct {
	ClientID   string // optional: only this client
	ActiveOnly bool   // only sessions without disconnected_at
	Limit      int    // default 50, max 200
	Offset     int
}

// ListResult contains a page of sessions.
type ListResult struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// SQLiteRepository stores sessions in the client_sessions table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a session repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Open inserts a new session. The ID is generated if empty.
func (r *SQLiteRepository) Open(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = "ses-" + uuid.NewString()
	}
	if s.Topics == nil {
		s.Topics = []string{}
	}

	topics, err := json.Marshal(s.Topics)
	if err != nil {
		return fmt.Errorf("marshalling topics: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO client_sessions (id, client_id, connected_at, topics, published_count, relayed_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.ClientID, s.ConnectedAt.UTC().Format(timeLayout), string(topics),
		s.PublishedCount, s.RelayedCount,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// SetTopics replaces the recorded subscription list of a session.
func (r *SQLiteRepository) SetTopics(ctx context.Context, id string, topics []string) error {
	if topics == nil {
		topics = []string{}
	}
	data, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("marshalling topics: %w", err)
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE client_sessions SET topics = ? WHERE id = ?`, string(data), id,
	); err != nil {
		return fmt.Errorf("updating session topics: %w", err)
	}
	return nil
}

// AddTraffic increments the published and relayed counters of a session.
func (r *SQLiteRepository) AddTraffic(ctx context.Context, id string, published, relayed int) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE client_sessions
		 SET published_count = published_count + ?, relayed_count = relayed_count + ?
		 WHERE id = ?`,
		published, relayed, id,
	); err != nil {
		return fmt.Errorf("updating session counters: %w", err)
	}
	return nil
}

// Close stamps the disconnect time of a session.
func (r *SQLiteRepository) Close(ctx context.Context, id string, at time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE client_sessions SET disconnected_at = ? WHERE id = ? AND disconnected_at IS NULL`,
		at.UTC().Format(timeLayout), id,
	); err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	return nil
}

// CloseDangling closes every session left open by a previous broker run.
func (r *SQLiteRepository) CloseDangling(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE client_sessions SET disconnected_at = ? WHERE disconnected_at IS NULL`,
		at.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("closing dangling sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting dangling sessions: %w", err)
	}
	return n, nil
}

// List returns sessions matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any

	if filter.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "disconnected_at IS NULL")
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM client_sessions " + where //nolint:gosec // WHERE built from fixed conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}

	query := "SELECT id, client_id, connected_at, disconnected_at, topics, published_count, relayed_count " + //nolint:gosec // WHERE built from fixed conditions
		"FROM client_sessions " + where + " ORDER BY connected_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	return &ListResult{
		Sessions: sessions,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}

func scanSession(rows *sql.Rows) (Session, error) {
	var (
		s              Session
		connectedAt    string
		disconnectedAt sql.NullString
		topics         string
	)
	if err := rows.Scan(&s.ID, &s.ClientID, &connectedAt, &disconnectedAt,
		&topics, &s.PublishedCount, &s.RelayedCount); err != nil {
		return Session{}, fmt.Errorf("scanning session: %w", err)
	}

	t, err := time.Parse(timeLayout, connectedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parsing connected_at %q: %w", connectedAt, err)
	}
	s.ConnectedAt = t

	if disconnectedAt.Valid {
		t, err := time.Parse(timeLayout, disconnectedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parsing disconnected_at %q: %w", disconnectedAt.String, err)
		}
		s.DisconnectedAt = &t
	}

	if err := json.Unmarshal([]byte(topics), &s.Topics); err != nil {
		return Session{}, fmt.Errorf("decoding topics of %s: %w", s.ID, err)
	}
	if s.Topics == nil {
		s.Topics = []string{}
	}
	return s, nil
}
