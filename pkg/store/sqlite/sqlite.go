// Package sqlite implements the store interfaces on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/outpost-run/outpost/pkg/domain"
	"github.com/outpost-run/outpost/pkg/store"
)

// Store implements ConversationStore, GenerationStore, and MessageStore
// using SQLite.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.ConversationStore = (*Store)(nil)
var _ store.GenerationStore = (*Store)(nil)
var _ store.MessageStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		sandbox_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS generations (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		sandbox_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_generations_conversation ON generations(conversation_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq ON messages(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- ConversationStore ---

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, sandbox_id, session_id, device_id, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.SandboxID, conv.SessionID, conv.DeviceID, conv.UserID,
		conv.CreatedAt, conv.UpdatedAt,
	)
	return err
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv := &domain.Conversation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, sandbox_id, session_id, device_id, user_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &conv.SandboxID, &conv.SessionID, &conv.DeviceID,
		&conv.UserID, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return conv, err
}

func (s *Store) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, sandbox_id, session_id, device_id, user_id, created_at, updated_at
		 FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.SandboxID, &c.SessionID, &c.DeviceID,
			&c.UserID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *Store) SetSandboxID(ctx context.Context, id, sandboxID string) error {
	return s.setConversationField(ctx, id, "sandbox_id", sandboxID)
}

func (s *Store) SetSessionID(ctx context.Context, id, sessionID string) error {
	return s.setConversationField(ctx, id, "session_id", sessionID)
}

func (s *Store) setConversationField(ctx context.Context, id, field, value string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET `+field+`=?, updated_at=? WHERE id=?`,
		value, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// --- GenerationStore ---

func (s *Store) CreateGeneration(ctx context.Context, gen *domain.Generation) error {
	now := time.Now().UTC()
	gen.CreatedAt = now
	gen.UpdatedAt = now
	if gen.Status == "" {
		gen.Status = domain.GenerationRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (id, conversation_id, status, sandbox_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		gen.ID, gen.ConversationID, gen.Status, gen.SandboxID, gen.CreatedAt, gen.UpdatedAt,
	)
	return err
}

func (s *Store) GetGeneration(ctx context.Context, id string) (*domain.Generation, error) {
	gen := &domain.Generation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, status, sandbox_id, created_at, updated_at
		 FROM generations WHERE id = ?`, id,
	).Scan(&gen.ID, &gen.ConversationID, &gen.Status, &gen.SandboxID, &gen.CreatedAt, &gen.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("generation %s: %w", id, store.ErrNotFound)
	}
	return gen, err
}

func (s *Store) SetGenerationStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status=?, updated_at=? WHERE id=?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("generation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetGenerationSandboxID(ctx context.Context, id, sandboxID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE generations SET sandbox_id=?, updated_at=? WHERE id=?`,
		sandboxID, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("generation %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) LatestRunningSandboxID(ctx context.Context, conversationID string) (string, error) {
	var sandboxID string
	err := s.db.QueryRowContext(ctx,
		`SELECT sandbox_id FROM generations
		 WHERE conversation_id=? AND status=? AND sandbox_id != ''
		 ORDER BY created_at DESC LIMIT 1`,
		conversationID, domain.GenerationRunning,
	).Scan(&sandboxID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return sandboxID, err
}

// --- MessageStore ---

func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	// Get next sequence number.
	var maxSeq int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id=?`,
		msg.ConversationID,
	).Scan(&maxSeq)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content_type, content, timestamp, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.ContentType, msg.Content, msg.Timestamp, maxSeq+1,
	)
	return err
}

func (s *Store) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content_type, content, timestamp
		 FROM messages WHERE conversation_id=? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.ContentType, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
