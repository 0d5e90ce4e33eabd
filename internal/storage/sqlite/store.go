package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/litetavern/internal/domain"
	"github.com/tjfontaine/litetavern/internal/storage"
)

// Store is a SQLite implementation of storage.Store
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS characters (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			original_format TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			character_id TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model TEXT,
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_character ON conversations(character_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_characters_created ON characters(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) SaveCharacter(ctx context.Context, char *domain.Character) error {
	if char.CreatedAt.IsZero() {
		char.CreatedAt = time.Now()
	}

	data, err := json.Marshal(char)
	if err != nil {
		return fmt.Errorf("failed to marshal character: %w", err)
	}

	query := `INSERT INTO characters (id, name, original_format, data, created_at)
	          VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET name=excluded.name,
	              original_format=excluded.original_format, data=excluded.data`

	_, err = s.db.ExecContext(ctx, query,
		char.ID, char.Name, string(char.Provenance.OriginalFormat), string(data), char.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save character: %w", err)
	}

	return nil
}

func (s *Store) GetCharacter(ctx context.Context, id string) (*domain.Character, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM characters WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("character %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character: %w", err)
	}

	var char domain.Character
	if err := json.Unmarshal([]byte(data), &char); err != nil {
		return nil, fmt.Errorf("failed to unmarshal character: %w", err)
	}
	return &char, nil
}

func (s *Store) ListCharacters(ctx context.Context, opts storage.ListOptions) ([]*domain.Character, error) {
	query := `SELECT data FROM characters
	          ORDER BY created_at DESC, id DESC
	          LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query characters: %w", err)
	}
	defer rows.Close()

	var chars []*domain.Character
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		var char domain.Character
		if err := json.Unmarshal([]byte(data), &char); err != nil {
			return nil, fmt.Errorf("failed to unmarshal character: %w", err)
		}
		chars = append(chars, &char)
	}

	return chars, rows.Err()
}

func (s *Store) DeleteCharacter(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete character: %w", err)
	}
	return requireAffected(result, "character", id)
}

func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	conv.CreatedAt = time.Now()
	conv.UpdatedAt = conv.CreatedAt

	metadata, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `INSERT INTO conversations (id, character_id, metadata, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		conv.ID, conv.CharacterID, string(metadata), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT id, character_id, metadata, created_at, updated_at
	          FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	messages, err := s.getMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = messages

	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var metadataJSON sql.NullString

	if err := row.Scan(&conv.ID, &conv.CharacterID, &metadataJSON, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &conv, nil
}

func (s *Store) getMessages(ctx context.Context, convID string) ([]domain.Message, error) {
	query := `SELECT id, role, content, model, elapsed_ms, created_at
	          FROM messages WHERE conversation_id = ?
	          ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var (
			msg       domain.Message
			model     sql.NullString
			elapsedMS int64
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &model, &elapsedMS, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Model = model.String
		msg.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (s *Store) AddMessage(ctx context.Context, convID string, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := touchConversation(ctx, tx, convID); err != nil {
		return err
	}

	query := `INSERT INTO messages (id, conversation_id, role, content, model, elapsed_ms, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		msg.ID, convID, string(msg.Role), msg.Content, msg.Model, msg.Elapsed.Milliseconds(), msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return tx.Commit()
}

func (s *Store) UpdateMetadata(ctx context.Context, convID string, metadata map[string]string) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now(), convID)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return requireAffected(result, "conversation", convID)
}

func (s *Store) TruncateMessages(ctx context.Context, convID string, keep int) error {
	if keep < 0 {
		keep = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := touchConversation(ctx, tx, convID); err != nil {
		return err
	}

	query := `DELETE FROM messages WHERE conversation_id = ? AND seq NOT IN (
	              SELECT seq FROM messages WHERE conversation_id = ?
	              ORDER BY seq ASC LIMIT ?)`
	if _, err := tx.ExecContext(ctx, query, convID, convID, keep); err != nil {
		return fmt.Errorf("failed to truncate messages: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ClearMessages(ctx context.Context, convID string) error {
	return s.TruncateMessages(ctx, convID, 0)
}

func (s *Store) ListConversations(ctx context.Context, opts storage.ListOptions) ([]*domain.Conversation, error) {
	query := `SELECT id, character_id, metadata, created_at, updated_at
	          FROM conversations WHERE (? = '' OR character_id = ?)
	          ORDER BY updated_at DESC
	          LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, opts.CharacterID, opts.CharacterID, limitOf(opts), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}

	var conversations []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Load messages after the cursor is released.
	for _, conv := range conversations {
		messages, err := s.getMessages(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		conv.Messages = messages
	}

	return conversations, nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := requireAffected(result, "conversation", id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// touchConversation bumps updated_at and fails with ErrNotFound for unknown IDs.
func touchConversation(ctx context.Context, tx *sql.Tx, convID string) error {
	result, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), convID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return requireAffected(result, "conversation", convID)
}

func requireAffected(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return nil
}

func limitOf(opts storage.ListOptions) int {
	if opts.Limit <= 0 {
		return storage.DefaultListLimit
	}
	return opts.Limit
}
