package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MailMessage is an asynchronous message from one agent to another.
// Signature fields are relayed verbatim and never interpreted here.
type MailMessage struct {
	ID           string
	ProjectID    string
	FromAgentID  string
	ToAgentID    string
	FromAlias    string
	Subject      string
	Body         string
	Priority     string
	ThreadID     string
	FromDID      string
	ToDID        string
	Signature    string
	SigningKeyID string
	CreatedAt    time.Time
	ReadAt       *time.Time
}

const mailCols = `id, project_id, from_agent_id, to_agent_id, from_alias, subject, body,
	priority, thread_id, from_did, to_did, signature, signing_key_id, created_at, read_at`

// InsertMail stores a new mail row.
func (s *Store) InsertMail(ctx context.Context, m *MailMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+mailCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ProjectID, m.FromAgentID, m.ToAgentID, m.FromAlias, m.Subject, m.Body,
		m.Priority, nullStr(m.ThreadID), nullStr(m.FromDID), nullStr(m.ToDID),
		nullStr(m.Signature), nullStr(m.SigningKeyID), tsOf(m.CreatedAt), nullTS(m.ReadAt))
	if err != nil {
		return fmt.Errorf("insert mail: %w", err)
	}
	return nil
}

// GetMail returns the mail row scoped to the project, or nil if absent.
func (s *Store) GetMail(ctx context.Context, projectID, messageID string) (*MailMessage, error) {
	return scanMail(s.db.QueryRowContext(ctx,
		"SELECT "+mailCols+" FROM messages WHERE id = ? AND project_id = ?",
		messageID, projectID))
}

// Inbox returns the recipient's mail, newest first.
func (s *Store) Inbox(ctx context.Context, projectID, agentID string, unreadOnly bool, limit int) ([]*MailMessage, error) {
	q := "SELECT " + mailCols + " FROM messages WHERE project_id = ? AND to_agent_id = ?"
	if unreadOnly {
		q += " AND read_at IS NULL"
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"

	rows, err := s.db.QueryContext(ctx, q, projectID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	var out []*MailMessage
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}
	return out, nil
}

// AckMail sets read_at if it is still null, then returns the stored read_at.
// A second ack leaves the original timestamp in place.
func (s *Store) AckMail(ctx context.Context, messageID string, at time.Time) (time.Time, error) {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE messages SET read_at = COALESCE(read_at, ?) WHERE id = ?",
		tsOf(at), messageID); err != nil {
		return time.Time{}, fmt.Errorf("ack mail: %w", err)
	}
	var readAt int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT read_at FROM messages WHERE id = ?", messageID).Scan(&readAt); err != nil {
		return time.Time{}, fmt.Errorf("ack mail: %w", err)
	}
	return timeAt(readAt), nil
}

// UnreadMailCount returns the number of unacknowledged mail rows addressed
// to the agent.
func (s *Store) UnreadMailCount(ctx context.Context, projectID, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE project_id = ? AND to_agent_id = ? AND read_at IS NULL
	`, projectID, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread mail: %w", err)
	}
	return n, nil
}

func scanMail(row rowScanner) (*MailMessage, error) {
	var m MailMessage
	var threadID, fromDID, toDID, signature, signingKeyID sql.NullString
	var created int64
	var readAt sql.NullInt64
	err := row.Scan(&m.ID, &m.ProjectID, &m.FromAgentID, &m.ToAgentID, &m.FromAlias,
		&m.Subject, &m.Body, &m.Priority, &threadID, &fromDID, &toDID,
		&signature, &signingKeyID, &created, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan mail: %w", err)
	}
	m.ThreadID = strOf(threadID)
	m.FromDID = strOf(fromDID)
	m.ToDID = strOf(toDID)
	m.Signature = strOf(signature)
	m.SigningKeyID = strOf(signingKeyID)
	m.CreatedAt = timeAt(created)
	m.ReadAt = timePtr(readAt)
	return &m, nil
}
