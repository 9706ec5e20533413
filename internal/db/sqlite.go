package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RichardoC/branchpad/internal/models"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    parent_conversation_id INTEGER REFERENCES conversations(id) ON DELETE SET NULL,
    branch_from_message_id INTEGER REFERENCES messages(id) ON DELETE SET NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS conversations_parent_idx
    ON conversations(parent_conversation_id);

CREATE INDEX IF NOT EXISTS conversations_branch_from_idx
    ON conversations(branch_from_message_id);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_order_idx
    ON messages(conversation_id, created_at, id);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts4(
    content,
    tokenize=porter
);

-- Triggers to keep the FTS index up to date
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(docid, content) VALUES (new.id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    DELETE FROM messages_fts WHERE docid = old.id;
END;`

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence surface used by the fork engine, the relay and
// the HTTP layer. The same methods are available inside RunInTx, bound to the
// transaction.
type Store interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListForks(ctx context.Context, id int64) ([]models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id int64, title string) error
	DeleteConversation(ctx context.Context, id int64) error

	AppendMessage(ctx context.Context, msg *models.Message) error
	InsertMessages(ctx context.Context, conversationID int64, msgs []models.Message) ([]models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	MessagesUpTo(ctx context.Context, conversationID int64, cutoff time.Time) ([]models.Message, error)
	MessagesThrough(ctx context.Context, cutoff *models.Message) ([]models.Message, error)
	GetConversationHistory(ctx context.Context, conversationID int64, limit int) ([]models.Message, error)
	SearchMessages(ctx context.Context, query string, limit int) ([]models.SearchResult, error)

	RunInTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Database struct {
	db   *sql.DB
	q    querier
	inTx bool
	now  func() time.Time
}

var _ Store = (*Database)(nil)

type Option func(*Database)

// WithClock overrides the clock used to stamp created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(d *Database) {
		d.now = now
	}
}

// New opens (or creates) the SQLite database at dbPath and applies the schema.
// Transactions begin IMMEDIATE so a transaction's reads and writes see one
// snapshot, and foreign keys are enforced on every connection.
func New(dbPath string, opts ...Option) (*Database, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("database path is required")
	}
	if strings.Contains(dbPath, "?") {
		return nil, fmt.Errorf("database path %q must not carry query parameters", dbPath)
	}
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if isMemoryPath(dbPath) {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}

	if _, err := sqlDB.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("apply schema: %w", err), sqlDB.Close())
	}

	d := &Database{db: sqlDB, q: sqlDB, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func isMemoryPath(dbPath string) bool {
	return dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")
}

func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) withTx(tx *sql.Tx) *Database {
	cloned := *d
	cloned.q = tx
	cloned.inTx = true
	return &cloned
}

// RunInTx runs fn inside one transaction and commits only if fn succeeds.
// Calls nested inside an existing transaction join it.
func (d *Database) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	return d.runInTx(ctx, func(txd *Database) error { return fn(txd) })
}

func (d *Database) runInTx(ctx context.Context, fn func(txd *Database) error) error {
	if d.inTx {
		return fn(d)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(d.withTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = multierr.Append(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func fromNullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// CreateConversation inserts conv and fills in its id and timestamps.
func (d *Database) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	query := `
        INSERT INTO conversations (title, parent_conversation_id, branch_from_message_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)
        RETURNING id, created_at, updated_at`

	now := toMillis(d.now())
	var createdAt, updatedAt int64
	err := d.q.QueryRowContext(ctx, query,
		conv.Title, nullInt64(conv.ParentConversationID), nullInt64(conv.BranchFromMessageID), now, now,
	).Scan(&conv.ID, &createdAt, &updatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	return nil
}

const conversationColumns = `id, title, parent_conversation_id, branch_from_message_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv                 models.Conversation
		parentID, branchFrom sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&conv.ID, &conv.Title, &parentID, &branchFrom, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.ParentConversationID = fromNullInt64(parentID)
	conv.BranchFromMessageID = fromNullInt64(branchFrom)
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	return &conv, nil
}

func (d *Database) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	row := d.q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return conv, nil
}

func (d *Database) queryConversations(ctx context.Context, query string, args ...any) ([]models.Conversation, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

func (d *Database) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	conversations, err := d.queryConversations(ctx, `
        SELECT `+conversationColumns+`
        FROM conversations
        ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

// ListForks returns the direct forks of a conversation, oldest first.
func (d *Database) ListForks(ctx context.Context, id int64) ([]models.Conversation, error) {
	conversations, err := d.queryConversations(ctx, `
        SELECT `+conversationColumns+`
        FROM conversations
        WHERE parent_conversation_id = ?
        ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list forks of %d: %w", id, err)
	}
	return conversations, nil
}

func (d *Database) UpdateConversationTitle(ctx context.Context, id int64, title string) error {
	res, err := d.q.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?",
		title, toMillis(d.now()), id)
	if err != nil {
		return fmt.Errorf("update conversation %d: %w", id, err)
	}
	return expectRow(res, "conversation", id)
}

// DeleteConversation removes one conversation and its own messages. Forks
// keep their copies; their lineage columns are set to NULL by the schema.
func (d *Database) DeleteConversation(ctx context.Context, id int64) error {
	return d.runInTx(ctx, func(txd *Database) error {
		if _, err := txd.q.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
			return fmt.Errorf("delete messages of %d: %w", id, err)
		}
		res, err := txd.q.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete conversation %d: %w", id, err)
		}
		return expectRow(res, "conversation", id)
	})
}

func expectRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// insertMessage stamps created_at with the store clock, clamped so it never
// goes below the latest timestamp already in the conversation.
const insertMessage = `
        INSERT INTO messages (conversation_id, role, content, created_at)
        VALUES (?, ?, ?, MAX(?, COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_id = ?), 0)))
        RETURNING id, created_at`

func (d *Database) insertMessage(ctx context.Context, msg *models.Message) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("insert message: invalid role %q", msg.Role)
	}
	var createdAt int64
	err := d.q.QueryRowContext(ctx, insertMessage,
		msg.ConvID, string(msg.Role), msg.Content, toMillis(d.now()), msg.ConvID,
	).Scan(&msg.ID, &createdAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.CreatedAt = fromMillis(createdAt)
	return nil
}

func (d *Database) touchConversation(ctx context.Context, id int64) error {
	_, err := d.q.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", toMillis(d.now()), id)
	if err != nil {
		return fmt.Errorf("touch conversation %d: %w", id, err)
	}
	return nil
}

// AppendMessage appends msg to its conversation and fills in id and created_at.
func (d *Database) AppendMessage(ctx context.Context, msg *models.Message) error {
	return d.runInTx(ctx, func(txd *Database) error {
		if err := txd.insertMessage(ctx, msg); err != nil {
			return err
		}
		return txd.touchConversation(ctx, msg.ConvID)
	})
}

// InsertMessages appends copies of msgs to conversationID in slice order.
// Only role and content are taken from the input; ids and timestamps are new.
func (d *Database) InsertMessages(ctx context.Context, conversationID int64, msgs []models.Message) ([]models.Message, error) {
	inserted := make([]models.Message, 0, len(msgs))
	err := d.runInTx(ctx, func(txd *Database) error {
		for _, src := range msgs {
			msg := models.Message{ConvID: conversationID, Role: src.Role, Content: src.Content}
			if err := txd.insertMessage(ctx, &msg); err != nil {
				return err
			}
			inserted = append(inserted, msg)
		}
		return txd.touchConversation(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

const messageColumns = `id, conversation_id, role, content, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg       models.Message
		role      string
		createdAt int64
	)
	if err := row.Scan(&msg.ID, &msg.ConvID, &role, &msg.Content, &createdAt); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	msg.CreatedAt = fromMillis(createdAt)
	return &msg, nil
}

func (d *Database) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := d.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return msg, nil
}

func (d *Database) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := d.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// ListMessages returns the whole log of a conversation in order.
func (d *Database) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	messages, err := d.queryMessages(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE conversation_id = ?
        ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages of %d: %w", conversationID, err)
	}
	return messages, nil
}

// MessagesUpTo returns every message of the conversation with created_at at
// or before cutoff, ordered by created_at then id.
func (d *Database) MessagesUpTo(ctx context.Context, conversationID int64, cutoff time.Time) ([]models.Message, error) {
	messages, err := d.queryMessages(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE conversation_id = ? AND created_at <= ?
        ORDER BY created_at ASC, id ASC`, conversationID, toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("messages of %d up to %s: %w", conversationID, cutoff, err)
	}
	return messages, nil
}

// MessagesThrough returns the prefix of cutoff's conversation that ends at
// cutoff itself. Messages sharing cutoff's timestamp but ordered after it by
// id are excluded.
func (d *Database) MessagesThrough(ctx context.Context, cutoff *models.Message) ([]models.Message, error) {
	createdAt := toMillis(cutoff.CreatedAt)
	messages, err := d.queryMessages(ctx, `
        SELECT `+messageColumns+`
        FROM messages
        WHERE conversation_id = ?
          AND (created_at < ? OR (created_at = ? AND id <= ?))
        ORDER BY created_at ASC, id ASC`, cutoff.ConvID, createdAt, createdAt, cutoff.ID)
	if err != nil {
		return nil, fmt.Errorf("messages of %d through %d: %w", cutoff.ConvID, cutoff.ID, err)
	}
	return messages, nil
}

// GetConversationHistory returns the most recent limit messages, oldest first.
// A non-positive limit returns the whole log.
func (d *Database) GetConversationHistory(ctx context.Context, conversationID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		// SQLite treats a negative LIMIT as no limit.
		limit = -1
	}
	messages, err := d.queryMessages(ctx, `
        SELECT `+messageColumns+` FROM (
            SELECT `+messageColumns+`
            FROM messages
            WHERE conversation_id = ?
            ORDER BY created_at DESC, id DESC
            LIMIT ?
        )
        ORDER BY created_at ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history of %d: %w", conversationID, err)
	}
	return messages, nil
}

// SearchMessages runs a full-text query over message content, newest first.
// Every term of query is matched literally.
func (d *Database) SearchMessages(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return []models.SearchResult{}, nil
	}
	rows, err := d.q.QueryContext(ctx, `
        SELECT m.id, m.conversation_id, m.role, m.content, m.created_at
        FROM messages m
        JOIN messages_fts fts ON m.id = fts.docid
        WHERE messages_fts MATCH ?
        ORDER BY m.created_at DESC, m.id DESC
        LIMIT ?`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	results := make([]models.SearchResult, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, models.SearchResult{
			MessageID:      msg.ID,
			ConversationID: msg.ConvID,
			Role:           msg.Role,
			Content:        msg.Content,
			CreatedAt:      msg.CreatedAt,
		})
	}
	return results, rows.Err()
}

func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ReplaceAll(term, `"`, "")
		if term == "" {
			continue
		}
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " ")
}
