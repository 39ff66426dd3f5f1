package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
	"github.com/vovakirdan/wirechat-realtime/internal/store/migrations"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens the SQLite database at dbPath and applies migrations.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, func(db *sql.DB) error {
		return migrations.Up(db, "sqlite3")
	})
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)`,
		username, passwordHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert user: %w", store.ErrDuplicate)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

const userColumns = `id, username, password_hash, online, last_seen, created_at`

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// SetPresence stores the online flag and last-seen stamp.
func (s *SQLiteStore) SetPresence(ctx context.Context, userID int64, online bool, lastSeen *time.Time) error {
	var seen sql.NullTime
	if lastSeen != nil {
		seen = sql.NullTime{Time: lastSeen.UTC(), Valid: true}
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET online = ?, last_seen = ? WHERE id = ?`,
		online, seen, userID,
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update presence: user %d: %w", userID, store.ErrNotFound)
	}
	return nil
}

func scanUser(row *sql.Row) (*store.User, error) {
	var user store.User
	var lastSeen sql.NullTime
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.Online,
		&lastSeen,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if lastSeen.Valid {
		user.LastSeen = &lastSeen.Time
	}
	return &user, nil
}

// ==== RoomStore implementation ====

// CreateRoom creates a new room.
func (s *SQLiteStore) CreateRoom(ctx context.Context, id, name, description string) (*store.Room, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, description) VALUES (?, ?, ?)`,
		id, name, description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert room: %w", store.ErrDuplicate)
		}
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return s.GetRoomByID(ctx, id)
}

// GetRoomByID retrieves a room by ID.
func (s *SQLiteStore) GetRoomByID(ctx context.Context, id string) (*store.Room, error) {
	var room store.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM rooms WHERE id = ?`, id,
	).Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query room: %w", err)
	}
	return &room, nil
}

// ==== MessageStore implementation ====

const messageColumns = `id, sender_id, receiver_id, room_id, text, client_msg_id, created_at, is_deleted, deleted_at`

// CreateMessage persists a message. A repeated (sender, client_msg_id) pair returns the
// stored message and store.ErrDuplicate.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, room_id, text, client_msg_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SenderID, msg.ReceiverID, msg.RoomID, msg.Text, msg.ClientMsgID, createdAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) && msg.ClientMsgID != nil {
			existing, getErr := s.getByClientMsgID(ctx, msg.SenderID, *msg.ClientMsgID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, store.ErrDuplicate
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// GetMessage retrieves a message by ID, including soft-deleted ones.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *SQLiteStore) getByClientMsgID(ctx context.Context, senderID int64, clientMsgID string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = ? AND client_msg_id = ?`,
		senderID, clientMsgID,
	)
	return scanMessage(row)
}

// SoftDeleteMessage marks the message deleted once and returns the stored row.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id int64, marker string, at time.Time) (*store.Message, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET text = ?, is_deleted = 1, deleted_at = ? WHERE id = ? AND is_deleted = 0`,
		marker, at.UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("soft delete message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// ListRoomMessages retrieves messages from a room with pagination.
func (s *SQLiteStore) ListRoomMessages(ctx context.Context, roomID string, limit int, beforeID *int64) ([]*store.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = ?`
	args := []any{roomID}
	if beforeID != nil {
		query += ` AND id < ?`
		args = append(args, *beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*store.Message, error) {
	var (
		msg         store.Message
		receiverID  sql.NullInt64
		roomID      sql.NullString
		clientMsgID sql.NullString
		deletedAt   sql.NullTime
	)
	err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&receiverID,
		&roomID,
		&msg.Text,
		&clientMsgID,
		&msg.CreatedAt,
		&msg.IsDeleted,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if receiverID.Valid {
		msg.ReceiverID = &receiverID.Int64
	}
	if roomID.Valid {
		msg.RoomID = &roomID.String
	}
	if clientMsgID.Valid {
		msg.ClientMsgID = &clientMsgID.String
	}
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}
	return &msg, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ store.Store = (*SQLiteStore)(nil)
