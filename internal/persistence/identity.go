package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/substrate/internal/ids"
)

// Thread is the channel-agnostic conversation unit the orchestrator steps
// operate on. A thread belongs to exactly one user and one channel.
type Thread struct {
	ID        string
	ChannelID string
	UserID    string
	Status    string // "open" or "closed"
	CreatedAt time.Time
}

// ThreadMessage is one entry in a thread's totally-ordered message log.
type ThreadMessage struct {
	ID        string
	ThreadID  string
	Role      string // user, assistant, agent, system
	Content   string
	MediaJSON string
	CreatedAt time.Time
}

// EnsureUser creates the user row if absent; calling it twice with the same
// id is a no-op and returns the same id.
func (s *Store) EnsureUser(ctx context.Context, userID, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING;
	`, userID, displayName)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// EnsureChannel creates the channel row if absent.
func (s *Store) EnsureChannel(ctx context.Context, channelID, kind string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, kind) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING;
	`, channelID, kind)
	if err != nil {
		return fmt.Errorf("ensure channel: %w", err)
	}
	return nil
}

// threadsTable is append-forward on top of the legacy sessions table:
// threads.id reuses sessions.id 1:1 so the already-wired task runner and
// orchestrator code that threads session_id everywhere needs no rename.
//
// EnsureOpenThread returns the user's single open thread, unifying across
// channels: a user always has at most one open thread regardless of which
// channel the inbound message arrived on.
func (s *Store) EnsureOpenThread(ctx context.Context, userID, channelID string) (Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, fmt.Errorf("ensure open thread: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var th Thread
	err = tx.QueryRowContext(ctx, `
		SELECT id, channel_id, user_id, created_at FROM threads
		WHERE user_id = ? AND status = 'open'
		ORDER BY created_at ASC LIMIT 1;
	`, userID).Scan(&th.ID, &th.ChannelID, &th.UserID, &th.CreatedAt)
	switch {
	case err == nil:
		th.Status = "open"
		if err := tx.Commit(); err != nil {
			return Thread{}, fmt.Errorf("ensure open thread: commit: %w", err)
		}
		return th, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to create
	default:
		return Thread{}, fmt.Errorf("ensure open thread: query: %w", err)
	}

	th = Thread{
		ID:        ids.NewThread(),
		ChannelID: channelID,
		UserID:    userID,
		Status:    "open",
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, channel_id, user_id) VALUES (?, ?, ?);
	`, th.ID, th.ChannelID, th.UserID); err != nil {
		return Thread{}, fmt.Errorf("ensure open thread: insert: %w", err)
	}
	// Mirror into sessions so the existing task-runner/message code (which
	// still addresses conversations by session_id) sees the new thread.
	if err := s.ensureSessionTx(ctx, tx, th.ID); err != nil {
		return Thread{}, fmt.Errorf("ensure open thread: mirror session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Thread{}, fmt.Errorf("ensure open thread: commit: %w", err)
	}
	return th, nil
}

// CreateIsolatedThread creates a brand-new thread for the given user+channel
// regardless of any existing open thread — used by the scheduler bridge so
// a scheduled run never pollutes the user's interactive thread.
func (s *Store) CreateIsolatedThread(ctx context.Context, userID, channelID string) (Thread, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, fmt.Errorf("create isolated thread: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	th := Thread{
		ID:        ids.NewThread(),
		ChannelID: channelID,
		UserID:    userID,
		Status:    "open",
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO threads (id, channel_id, user_id) VALUES (?, ?, ?);
	`, th.ID, th.ChannelID, th.UserID); err != nil {
		return Thread{}, fmt.Errorf("create isolated thread: insert: %w", err)
	}
	if err := s.ensureSessionTx(ctx, tx, th.ID); err != nil {
		return Thread{}, fmt.Errorf("create isolated thread: mirror session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Thread{}, fmt.Errorf("create isolated thread: commit: %w", err)
	}
	return th, nil
}

// ensureSessionTx mirrors a thread id into the legacy sessions table without
// going through Store.EnsureSession, whose uuid.Parse validation rejects the
// typed-prefix thread ids (thr_...) minted by internal/ids.
func (s *Store) ensureSessionTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id) VALUES (?)
		ON CONFLICT(id) DO NOTHING;
	`, sessionID)
	return err
}

// ChannelKind returns the adapter kind ("telegram", "cli", ...) a channel
// row was registered with.
func (s *Store) ChannelKind(ctx context.Context, channelID string) (string, error) {
	var kind string
	err := s.db.QueryRowContext(ctx, `SELECT kind FROM channels WHERE id = ?;`, channelID).Scan(&kind)
	if err != nil {
		return "", fmt.Errorf("channel kind: %w", err)
	}
	return kind, nil
}

// ListOpenThreads returns every open thread, oldest first — the compaction
// sweep walks this list.
func (s *Store) ListOpenThreads(ctx context.Context) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, user_id, created_at FROM threads
		WHERE status = 'open' ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list open threads: %w", err)
	}
	defer rows.Close()
	var out []Thread
	for rows.Next() {
		var th Thread
		if err := rows.Scan(&th.ID, &th.ChannelID, &th.UserID, &th.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		th.Status = "open"
		out = append(out, th)
	}
	return out, rows.Err()
}

// CloseThread marks a thread closed; its messages remain readable.
func (s *Store) CloseThread(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET status = 'closed' WHERE id = ?;`, threadID)
	if err != nil {
		return fmt.Errorf("close thread: %w", err)
	}
	return nil
}

// GetThread loads a thread by id.
func (s *Store) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var th Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, user_id, created_at FROM threads WHERE id = ?;
	`, threadID).Scan(&th.ID, &th.ChannelID, &th.UserID, &th.CreatedAt)
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return th, nil
}

// AppendThreadMessage appends a message to a thread's totally ordered log
// (ordering is by insertion/created_at; id is a msg_ typed id, not an
// ordinal). Reuses the legacy messages/sessions tables under the hood.
func (s *Store) AppendThreadMessage(ctx context.Context, threadID, role, content string) (ThreadMessage, error) {
	msg := ThreadMessage{
		ID:       ids.NewMessage(),
		ThreadID: threadID,
		Role:     role,
		Content:  content,
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id) VALUES (?) ON CONFLICT(id) DO NOTHING;
	`, threadID); err != nil {
		return ThreadMessage{}, fmt.Errorf("append thread message: ensure session: %w", err)
	}
	if err := s.AddHistory(ctx, threadID, "", role, content, 0); err != nil {
		return ThreadMessage{}, fmt.Errorf("append thread message: %w", err)
	}
	msg.CreatedAt = time.Now().UTC()
	return msg, nil
}

// ListThreadTail returns the last n messages of a thread, oldest first —
// the orchestrator's prompt builder packs this tail under the token budget.
func (s *Store) ListThreadTail(ctx context.Context, threadID string, n int) ([]ThreadMessage, error) {
	items, err := s.ListHistory(ctx, threadID, "", n)
	if err != nil {
		return nil, fmt.Errorf("list thread tail: %w", err)
	}
	out := make([]ThreadMessage, 0, len(items))
	for _, it := range items {
		out = append(out, ThreadMessage{
			ThreadID:  threadID,
			Role:      it.Role,
			Content:   it.Content,
			CreatedAt: it.CreatedAt,
		})
	}
	return out, nil
}

// LatestUserMessage returns the most recent user-role message in a thread,
// used by the orchestrator's command short-circuit check.
func (s *Store) LatestUserMessage(ctx context.Context, threadID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM messages WHERE session_id = ? AND role = 'user'
		ORDER BY id DESC LIMIT 1;
	`, threadID).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest user message: %w", err)
	}
	return content, nil
}
