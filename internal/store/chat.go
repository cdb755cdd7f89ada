package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ChatSession is a persistent multi-party conversation, unique per project
// and canonicalized participant set.
type ChatSession struct {
	ID              string
	ProjectID       string
	ParticipantHash string
	CreatedAt       time.Time
}

// ChatParticipant is an agent's membership in a session.
type ChatParticipant struct {
	SessionID string
	AgentID   string
	Alias     string
	JoinedAt  time.Time
}

// ChatMessage is one message within a session.
type ChatMessage struct {
	ID            string
	SessionID     string
	FromAgentID   string
	FromAlias     string
	Body          string
	SenderLeaving bool
	HangOn        bool
	FromDID       string
	ToDID         string
	Signature     string
	SigningKeyID  string
	CreatedAt     time.Time
}

// ReadReceipt tracks how far an agent has read in a session.
type ReadReceipt struct {
	SessionID         string
	AgentID           string
	LastReadMessageID string
	LastReadAt        *time.Time
}

// EnsureSession finds or creates the session for (projectID, hash) and
// upserts the participant rows, all in one transaction. Repeated calls with
// the same participant set return the existing session without duplicating
// participants. created reports whether the session row was inserted.
func (s *Store) EnsureSession(ctx context.Context, projectID, hash, newSessionID string, participants []ChatParticipant, at time.Time) (session *ChatSession, created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin ensure session: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, project_id, participant_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, participant_hash) DO NOTHING
	`, newSessionID, projectID, hash, tsOf(at))
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	created = n > 0

	var sess ChatSession
	var createdAt int64
	err = tx.QueryRowContext(ctx, `
		SELECT id, project_id, participant_hash, created_at FROM chat_sessions
		WHERE project_id = ? AND participant_hash = ?
	`, projectID, hash).Scan(&sess.ID, &sess.ProjectID, &sess.ParticipantHash, &createdAt)
	if err != nil {
		return nil, false, fmt.Errorf("select session: %w", err)
	}
	sess.CreatedAt = timeAt(createdAt)

	for _, p := range participants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chat_session_participants (session_id, agent_id, alias, joined_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (session_id, agent_id) DO UPDATE SET alias = excluded.alias
		`, sess.ID, p.AgentID, p.Alias, tsOf(at))
		if err != nil {
			return nil, false, fmt.Errorf("upsert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit ensure session: %w", err)
	}
	return &sess, created, nil
}

// GetSession returns the session scoped to the project, or nil if absent.
func (s *Store) GetSession(ctx context.Context, projectID, sessionID string) (*ChatSession, error) {
	var sess ChatSession
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, participant_hash, created_at FROM chat_sessions
		WHERE id = ? AND project_id = ?
	`, sessionID, projectID).Scan(&sess.ID, &sess.ProjectID, &sess.ParticipantHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt = timeAt(created)
	return &sess, nil
}

// SessionParticipants returns the session's participants ordered by alias.
func (s *Store) SessionParticipants(ctx context.Context, sessionID string) ([]*ChatParticipant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, agent_id, alias, joined_at FROM chat_session_participants
		WHERE session_id = ? ORDER BY alias
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*ChatParticipant
	for rows.Next() {
		var p ChatParticipant
		var joined int64
		if err := rows.Scan(&p.SessionID, &p.AgentID, &p.Alias, &joined); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.JoinedAt = timeAt(joined)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return out, nil
}

// GetParticipant returns the agent's membership row, or nil if the agent is
// not a participant.
func (s *Store) GetParticipant(ctx context.Context, sessionID, agentID string) (*ChatParticipant, error) {
	var p ChatParticipant
	var joined int64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, alias, joined_at FROM chat_session_participants
		WHERE session_id = ? AND agent_id = ?
	`, sessionID, agentID).Scan(&p.SessionID, &p.AgentID, &p.Alias, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	p.JoinedAt = timeAt(joined)
	return &p, nil
}

const chatMsgCols = `id, session_id, from_agent_id, from_alias, body, sender_leaving, hang_on,
	from_did, to_did, signature, signing_key_id, created_at`

// InsertChatMessage stores a new chat message.
func (s *Store) InsertChatMessage(ctx context.Context, m *ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (`+chatMsgCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.FromAgentID, m.FromAlias, m.Body, m.SenderLeaving, m.HangOn,
		nullStr(m.FromDID), nullStr(m.ToDID), nullStr(m.Signature), nullStr(m.SigningKeyID),
		tsOf(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// GetChatMessage returns the message if it belongs to the session, or nil.
func (s *Store) GetChatMessage(ctx context.Context, sessionID, messageID string) (*ChatMessage, error) {
	return scanChatMessage(s.db.QueryRowContext(ctx,
		"SELECT "+chatMsgCols+" FROM chat_messages WHERE id = ? AND session_id = ?",
		messageID, sessionID))
}

// SessionMessages returns up to limit of the newest session messages in
// ascending commit order. When after is non-nil only messages committed
// strictly later are returned; when excludeFrom is non-empty that sender's
// messages are filtered out (unread views exclude the reader's own).
func (s *Store) SessionMessages(ctx context.Context, sessionID string, after *time.Time, excludeFrom string, limit int) ([]*ChatMessage, error) {
	q := "SELECT " + chatMsgCols + " FROM chat_messages WHERE session_id = ?"
	args := []any{sessionID}
	if after != nil {
		q += " AND created_at > ?"
		args = append(args, tsOf(*after))
	}
	if excludeFrom != "" {
		q += " AND from_agent_id <> ?"
		args = append(args, excludeFrom)
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	defer rows.Close()

	var out []*ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session messages: %w", err)
	}
	// Newest-first query, oldest-first result.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MessagesAfter returns up to limit of the oldest session messages committed
// strictly after the cutoff, in ascending commit order. Unlike
// SessionMessages it never skips the window's early messages when the limit
// truncates.
func (s *Store) MessagesAfter(ctx context.Context, sessionID string, after time.Time, limit int) ([]*ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chatMsgCols+` FROM chat_messages
		WHERE session_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		sessionID, tsOf(after), limit)
	if err != nil {
		return nil, fmt.Errorf("query messages after: %w", err)
	}
	defer rows.Close()

	var out []*ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages after: %w", err)
	}
	return out, nil
}

// LastMessage returns the session's most recent message, or nil if none.
func (s *Store) LastMessage(ctx context.Context, sessionID string) (*ChatMessage, error) {
	return scanChatMessage(s.db.QueryRowContext(ctx,
		"SELECT "+chatMsgCols+` FROM chat_messages WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID))
}

// DepartedSenders returns the agent ids whose most recent message in the
// session carried sender_leaving.
func (s *Store) DepartedSenders(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.from_agent_id FROM chat_messages m
		WHERE m.session_id = ? AND m.sender_leaving = 1
		  AND m.id = (
			SELECT m2.id FROM chat_messages m2
			WHERE m2.session_id = m.session_id AND m2.from_agent_id = m.from_agent_id
			ORDER BY m2.created_at DESC, m2.id DESC LIMIT 1
		  )
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query departed senders: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan departed sender: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate departed senders: %w", err)
	}
	return out, nil
}

// GetReceipt returns the agent's read receipt for the session, or nil.
func (s *Store) GetReceipt(ctx context.Context, sessionID, agentID string) (*ReadReceipt, error) {
	var r ReadReceipt
	var msgID sql.NullString
	var readAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, last_read_message_id, last_read_at
		FROM chat_read_receipts WHERE session_id = ? AND agent_id = ?
	`, sessionID, agentID).Scan(&r.SessionID, &r.AgentID, &msgID, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	r.LastReadMessageID = strOf(msgID)
	r.LastReadAt = timePtr(readAt)
	return &r, nil
}

// UpsertReceipt advances the agent's receipt to the given message.
func (s *Store) UpsertReceipt(ctx context.Context, sessionID, agentID, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_read_receipts (session_id, agent_id, last_read_message_id, last_read_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, agent_id) DO UPDATE
		SET last_read_message_id = excluded.last_read_message_id, last_read_at = excluded.last_read_at
	`, sessionID, agentID, messageID, tsOf(at))
	if err != nil {
		return fmt.Errorf("upsert receipt: %w", err)
	}
	return nil
}

// CountOthersBetween counts messages from other senders committed in
// (after, upTo]. A nil after means from the beginning.
func (s *Store) CountOthersBetween(ctx context.Context, sessionID, selfAgentID string, after *time.Time, upTo time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM chat_messages
		WHERE session_id = ? AND from_agent_id <> ? AND created_at <= ?`
	args := []any{sessionID, selfAgentID, tsOf(upTo)}
	if after != nil {
		q += " AND created_at > ?"
		args = append(args, tsOf(*after))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages between: %w", err)
	}
	return n, nil
}

// UnreadCount counts messages from other senders committed after the
// agent's last_read_at (all of them when after is nil).
func (s *Store) UnreadCount(ctx context.Context, sessionID, selfAgentID string, after *time.Time) (int, error) {
	q := "SELECT COUNT(*) FROM chat_messages WHERE session_id = ? AND from_agent_id <> ?"
	args := []any{sessionID, selfAgentID}
	if after != nil {
		q += " AND created_at > ?"
		args = append(args, tsOf(*after))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// SessionsForAgent returns every session the agent participates in within
// the project, newest first.
func (s *Store) SessionsForAgent(ctx context.Context, projectID, agentID string) ([]*ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cs.id, cs.project_id, cs.participant_hash, cs.created_at
		FROM chat_sessions cs
		JOIN chat_session_participants p ON p.session_id = cs.id
		WHERE cs.project_id = ? AND p.agent_id = ?
		ORDER BY cs.created_at DESC
	`, projectID, agentID)
	if err != nil {
		return nil, fmt.Errorf("query sessions for agent: %w", err)
	}
	defer rows.Close()

	var out []*ChatSession
	for rows.Next() {
		var sess ChatSession
		var created int64
		if err := rows.Scan(&sess.ID, &sess.ProjectID, &sess.ParticipantHash, &created); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = timeAt(created)
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func scanChatMessage(row rowScanner) (*ChatMessage, error) {
	var m ChatMessage
	var fromDID, toDID, signature, signingKeyID sql.NullString
	var created int64
	err := row.Scan(&m.ID, &m.SessionID, &m.FromAgentID, &m.FromAlias, &m.Body,
		&m.SenderLeaving, &m.HangOn, &fromDID, &toDID, &signature, &signingKeyID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat message: %w", err)
	}
	m.FromDID = strOf(fromDID)
	m.ToDID = strOf(toDID)
	m.Signature = strOf(signature)
	m.SigningKeyID = strOf(signingKeyID)
	m.CreatedAt = timeAt(created)
	return &m, nil
}
