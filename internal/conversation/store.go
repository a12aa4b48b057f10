// Package conversation stores conversations and their messages in
// SQLite. Messages are append-only: compaction marks older rows and adds
// a summary row, it never deletes. Appends are serialized per
// conversation and checked for strict role alternation.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/swag-agent/internal/llm"
)

// Sentinel errors.
var (
	ErrNotFound   = errors.New("conversation not found")
	ErrClosed     = errors.New("conversation is closed")
	ErrBusy       = errors.New("conversation is busy")
	ErrOutOfOrder = errors.New("message out of order")
)

// RoleSystem marks compaction summary rows. They never reach a model
// as a message; the agent folds them into the system prompt.
const RoleSystem = "system"

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// Status is a conversation's lifecycle state.
type Status string

// Conversation states. A compacted conversation is still open.
const (
	StatusActive    Status = "active"
	StatusCompacted Status = "compacted"
	StatusClosed    Status = "closed"
)

// Conversation is one persisted conversation.
type Conversation struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	TenantID  string    `json:"tenantId,omitempty"`
	Status    Status    `json:"status"`
	Turns     int       `json:"turns"`
	Usage     llm.Usage `json:"usage"`
	CostUSD   float64   `json:"costUsd"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Messages is filled by Get only.
	Messages []Message `json:"messages,omitempty"`
}

// Open reports whether the conversation accepts new messages.
func (c *Conversation) Open() bool {
	return c.Status != StatusClosed
}

// Message is one stored message.
type Message struct {
	ID          string           `json:"id"`
	Seq         int64            `json:"seq"`
	Turn        int              `json:"turn"`
	Role        string           `json:"role"`
	Content     string           `json:"content,omitempty"`
	ToolCalls   []llm.ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []llm.ToolResult `json:"toolResults,omitempty"`
	Summary     bool             `json:"summary,omitempty"`
	Compacted   bool             `json:"compacted,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// LLM converts m to a provider-neutral message.
func (m Message) LLM() llm.Message {
	return llm.Message{
		Role:        m.Role,
		Content:     m.Content,
		ToolCalls:   m.ToolCalls,
		ToolResults: m.ToolResults,
	}
}

// Chars is the character weight of m used for token estimates.
func (m Message) Chars() int {
	n := len(m.Content)
	for _, c := range m.ToolCalls {
		n += len(c.Name)
		if b, err := json.Marshal(c.Arguments); err == nil {
			n += len(b)
		}
	}
	for _, r := range m.ToolResults {
		n += len(r.Content)
	}
	return n
}

// FromLLM wraps a provider-neutral message for Append.
func FromLLM(m llm.Message) Message {
	return Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls, ToolResults: m.ToolResults}
}

// Split separates summary rows from the conversational history. The
// summaries are joined in order; history is ready to send to a model.
func Split(msgs []Message) (summary string, history []llm.Message) {
	var summaries []string
	for _, m := range msgs {
		if m.Summary {
			summaries = append(summaries, m.Content)
			continue
		}
		history = append(history, m.LLM())
	}
	return strings.Join(summaries, "\n\n"), history
}

// Store is a SQLite-backed conversation store. It is safe for
// concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	leases map[string]struct{}
}

// NewStore creates the conversation tables in db if needed.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
		leases: make(map[string]struct{}),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate conversation schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id                    TEXT PRIMARY KEY,
		agent_id              TEXT NOT NULL,
		tenant_id             TEXT NOT NULL DEFAULT '',
		status                TEXT NOT NULL DEFAULT 'active',
		turns                 INTEGER NOT NULL DEFAULT 0,
		input_tokens          INTEGER NOT NULL DEFAULT 0,
		output_tokens         INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens     INTEGER NOT NULL DEFAULT 0,
		cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd              REAL NOT NULL DEFAULT 0,
		created_at            TEXT NOT NULL,
		updated_at            TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, updated_at);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		turn            INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		tool_calls      TEXT,
		tool_results    TEXT,
		summary         INTEGER NOT NULL DEFAULT 0,
		compacted       INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		UNIQUE (conversation_id, seq),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_messages_active ON conversation_messages(conversation_id, compacted, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID returns a new conversation id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// GetOrCreate returns the open conversation id, creating it when id is
// empty or unknown. created reports whether a new row was written. An
// existing conversation owned by another tenant is reported as not
// found.
func (s *Store) GetOrCreate(ctx context.Context, id, agentID, tenantID string) (conv *Conversation, created bool, err error) {
	if id != "" {
		conv, err := s.get(ctx, id)
		switch {
		case err == nil:
			if conv.TenantID != tenantID {
				return nil, false, ErrNotFound
			}
			if !conv.Open() {
				return nil, false, ErrClosed
			}
			return conv, false, nil
		case !errors.Is(err, ErrNotFound):
			return nil, false, err
		}
	} else {
		id = NewID()
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_id, tenant_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, agentID, tenantID, string(StatusActive), now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	s.logger.Debug("conversation created", "conversation_id", id, "agent_id", agentID)
	return &Conversation{
		ID:        id,
		AgentID:   agentID,
		TenantID:  tenantID,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

// Get returns a conversation with every message, compacted rows
// included.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages, err = s.messages(ctx, id, false)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

const conversationColumns = `id, agent_id, tenant_id, status, turns,
	input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens, cost_usd,
	created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var (
		c                Conversation
		status           string
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.AgentID, &c.TenantID, &status, &c.Turns,
		&c.Usage.InputTokens, &c.Usage.OutputTokens, &c.Usage.CacheReadTokens, &c.Usage.CacheCreationTokens,
		&c.CostUSD, &created, &updated); err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.CreatedAt, _ = time.Parse(timeFormat, created)
	c.UpdatedAt, _ = time.Parse(timeFormat, updated)
	return &c, nil
}

func (s *Store) get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// ListOptions filters List.
type ListOptions struct {
	TenantID string
	Status   Status // empty means every status
	Limit    int    // zero means 50
}

// List returns conversations, most recently updated first, without
// messages.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE 1=1`
	var args []any
	if opts.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, opts.TenantID)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ActiveMessages returns the messages not yet compacted, in order.
// Summary rows are included; see Split.
func (s *Store) ActiveMessages(ctx context.Context, id string) ([]Message, error) {
	return s.messages(ctx, id, true)
}

func (s *Store) messages(ctx context.Context, id string, activeOnly bool) ([]Message, error) {
	query := `SELECT id, seq, turn, role, content, COALESCE(tool_calls, ''), COALESCE(tool_results, ''),
			summary, compacted, created_at
		 FROM conversation_messages WHERE conversation_id = ?`
	if activeOnly {
		query += ` AND compacted = 0`
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                  Message
			calls, results, ts string
		)
		if err := rows.Scan(&m.ID, &m.Seq, &m.Turn, &m.Role, &m.Content, &calls, &results,
			&m.Summary, &m.Compacted, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of %s: %w", m.ID, err)
			}
		}
		if results != "" {
			if err := json.Unmarshal([]byte(results), &m.ToolResults); err != nil {
				return nil, fmt.Errorf("decode tool results of %s: %w", m.ID, err)
			}
		}
		m.CreatedAt, _ = time.Parse(timeFormat, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Append adds messages to an open conversation. Every message is
// checked against the one before it: user and assistant alternate, a
// tool message follows an assistant message with tool calls and answers
// each call exactly once. Nothing is written if any message is out of
// order.
func (s *Store) Append(ctx context.Context, id string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	conv, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if !conv.Open() {
		return ErrClosed
	}

	last, seq, err := s.tail(ctx, id)
	if err != nil {
		return err
	}
	for i := range msgs {
		if err := checkNext(last, msgs[i]); err != nil {
			return err
		}
		last = &msgs[i]
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	turn := conv.Turns
	for i := range msgs {
		m := &msgs[i]
		seq++
		if m.Role == llm.RoleUser {
			turn++
		}
		m.ID = NewID()
		m.Seq = seq
		m.Turn = turn
		m.CreatedAt = now
		if err := insertMessage(ctx, tx, id, m); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET turns = ?, updated_at = ? WHERE id = ?`,
		turn, now.Format(timeFormat), id,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMessage(ctx context.Context, x execer, convID string, m *Message) error {
	var calls, results any
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		calls = string(b)
	}
	if len(m.ToolResults) > 0 {
		b, err := json.Marshal(m.ToolResults)
		if err != nil {
			return fmt.Errorf("marshal tool results: %w", err)
		}
		results = string(b)
	}
	_, err := x.ExecContext(ctx,
		`INSERT INTO conversation_messages
			(id, conversation_id, seq, turn, role, content, tool_calls, tool_results, summary, compacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, convID, m.Seq, m.Turn, m.Role, m.Content, calls, results, m.Summary, m.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// tail returns the last conversational message (summary rows skipped)
// and the highest sequence number in use.
func (s *Store) tail(ctx context.Context, id string) (*Message, int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM conversation_messages WHERE conversation_id = ?`, id,
	).Scan(&seq); err != nil {
		return nil, 0, fmt.Errorf("query max seq: %w", err)
	}

	var (
		m     Message
		calls string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT role, COALESCE(tool_calls, '') FROM conversation_messages
		 WHERE conversation_id = ? AND summary = 0
		 ORDER BY seq DESC LIMIT 1`, id,
	).Scan(&m.Role, &calls)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, seq, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query last message: %w", err)
	}
	if calls != "" {
		if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
			return nil, 0, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return &m, seq, nil
}

// checkNext enforces alternation between prev (nil for an empty
// conversation) and next.
func checkNext(prev *Message, next Message) error {
	switch next.Role {
	case llm.RoleUser:
		if prev == nil || (prev.Role == llm.RoleAssistant && len(prev.ToolCalls) == 0) {
			return nil
		}
	case llm.RoleAssistant:
		if prev != nil && (prev.Role == llm.RoleUser || prev.Role == llm.RoleTool) {
			return nil
		}
	case llm.RoleTool:
		if prev == nil || prev.Role != llm.RoleAssistant || len(prev.ToolCalls) == 0 {
			break
		}
		if len(next.ToolResults) != len(prev.ToolCalls) {
			return fmt.Errorf("%w: %d tool results for %d tool calls", ErrOutOfOrder, len(next.ToolResults), len(prev.ToolCalls))
		}
		want := make(map[string]bool, len(prev.ToolCalls))
		for _, c := range prev.ToolCalls {
			want[c.ID] = true
		}
		for _, r := range next.ToolResults {
			if !want[r.CallID] {
				return fmt.Errorf("%w: tool result %q answers no pending call", ErrOutOfOrder, r.CallID)
			}
			delete(want, r.CallID)
		}
		return nil
	default:
		return fmt.Errorf("%w: role %q cannot be appended", ErrOutOfOrder, next.Role)
	}
	prevRole := "nothing"
	if prev != nil {
		prevRole = prev.Role
		if prev.Role == llm.RoleAssistant && len(prev.ToolCalls) > 0 {
			prevRole = "assistant tool_use"
		}
	}
	return fmt.Errorf("%w: %s after %s", ErrOutOfOrder, next.Role, prevRole)
}

// Compact marks every active message with seq <= through as compacted,
// along with any older summary rows, and stores summary as the new
// summary row. It runs in one transaction.
func (s *Store) Compact(ctx context.Context, id string, through int64, summary string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compact: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_messages SET compacted = 1
		 WHERE conversation_id = ? AND compacted = 0 AND (seq <= ? OR summary = 1)`,
		id, through,
	); err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}

	var seq int64
	var turn int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(turn), 0) FROM conversation_messages WHERE conversation_id = ?`, id,
	).Scan(&seq, &turn); err != nil {
		return fmt.Errorf("query max seq: %w", err)
	}

	now := s.now().UTC()
	m := &Message{
		ID:        NewID(),
		Seq:       seq + 1,
		Turn:      turn,
		Role:      RoleSystem,
		Content:   summary,
		Summary:   true,
		CreatedAt: now,
	}
	if err := insertMessage(ctx, tx, id, m); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusCompacted), now.Format(timeFormat), id, string(StatusActive),
	); err != nil {
		return fmt.Errorf("mark conversation compacted: %w", err)
	}
	return tx.Commit()
}

// AddUsage accumulates token usage and cost on a conversation.
func (s *Store) AddUsage(ctx context.Context, id string, u llm.Usage, costUSD float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			cost_usd = cost_usd + ?
		 WHERE id = ?`,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens, costUSD, id,
	)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}

// Close closes a conversation. Closing twice is not an error. A
// conversation with a query in flight is not closed and ErrBusy is
// returned; the close holds the lease, so no query can start meanwhile.
func (s *Store) Close(ctx context.Context, id string) error {
	lease, err := s.Acquire(id)
	if err != nil {
		return err
	}
	defer lease.Release()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusClosed), s.now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

// StatusOf returns the current status of conversation id.
func (s *Store) StatusOf(ctx context.Context, id string) (Status, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM conversations WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query conversation status: %w", err)
	}
	return Status(st), nil
}

// CloseIdle closes open conversations not updated since cutoff. Leased
// conversations are skipped. It returns the ids it closed.
func (s *Store) CloseIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM conversations WHERE status != ? AND updated_at < ?`,
		string(StatusClosed), cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query idle conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan idle conversation: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var closed []string
	for _, id := range ids {
		if err := s.Close(ctx, id); err != nil {
			if errors.Is(err, ErrBusy) {
				continue
			}
			return closed, err
		}
		closed = append(closed, id)
	}
	return closed, nil
}
