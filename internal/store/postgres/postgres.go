package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vovakirdan/wirechat-realtime/internal/store"
	"github.com/vovakirdan/wirechat-realtime/internal/store/migrations"
)

const uniqueViolation = "23505"

// PostgresStore implements store.Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL, pings it and applies migrations.
func New(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := migrations.Up(db, "postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ==== UserStore implementation ====

const userColumns = `id, username, password_hash, online, last_seen, created_at`

// CreateUser creates a new user with hashed password.
func (s *PostgresStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING `+userColumns,
		username, passwordHash,
	)
	user, err := scanUser(row)
	if err != nil && isUniqueViolation(err) {
		return nil, fmt.Errorf("insert user: %w", store.ErrDuplicate)
	}
	return user, err
}

// GetUserByID retrieves a user by ID.
func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetUserByUsername retrieves a user by username.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

// SetPresence stores the online flag and last-seen stamp.
func (s *PostgresStore) SetPresence(ctx context.Context, userID int64, online bool, lastSeen *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET online = $1, last_seen = $2 WHERE id = $3`,
		online, lastSeen, userID,
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update presence: user %d: %w", userID, store.ErrNotFound)
	}
	return nil
}

func scanUser(row pgx.Row) (*store.User, error) {
	var user store.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Online, &user.LastSeen, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}

// ==== RoomStore implementation ====

// CreateRoom creates a new room.
func (s *PostgresStore) CreateRoom(ctx context.Context, id, name, description string) (*store.Room, error) {
	var room store.Room
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rooms (id, name, description) VALUES ($1, $2, $3)
		 RETURNING id, name, description, created_at`,
		id, name, description,
	).Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert room: %w", store.ErrDuplicate)
		}
		return nil, fmt.Errorf("insert room: %w", err)
	}
	return &room, nil
}

// GetRoomByID retrieves a room by ID.
func (s *PostgresStore) GetRoomByID(ctx context.Context, id string) (*store.Room, error) {
	var room store.Room
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at FROM rooms WHERE id = $1`, id,
	).Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (sender_id, receiver_id, room_id, text, client_msg_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (sender_id, client_msg_id) DO NOTHING
		 RETURNING `+messageColumns,
		msg.SenderID, msg.ReceiverID, msg.RoomID, msg.Text, msg.ClientMsgID, createdAt,
	)
	created, err := scanMessage(row)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, store.ErrNotFound) || msg.ClientMsgID == nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	// ON CONFLICT DO NOTHING returns no row for the duplicate.
	existing, getErr := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 AND client_msg_id = $2`,
		msg.SenderID, *msg.ClientMsgID,
	))
	if getErr != nil {
		return nil, getErr
	}
	return existing, store.ErrDuplicate
}

// GetMessage retrieves a message by ID, including soft-deleted ones.
func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

// SoftDeleteMessage marks the message deleted once and returns the stored row.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, id int64, marker string, at time.Time) (*store.Message, error) {
	if _, err := s.pool.Exec(ctx,
		`UPDATE messages SET text = $1, is_deleted = TRUE, deleted_at = $2 WHERE id = $3 AND NOT is_deleted`,
		marker, at, id,
	); err != nil {
		return nil, fmt.Errorf("soft delete message: %w", err)
	}
	return s.GetMessage(ctx, id)
}

// ListRoomMessages retrieves messages from a room with pagination.
func (s *PostgresStore) ListRoomMessages(ctx context.Context, roomID string, limit int, beforeID *int64) ([]*store.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = $1 AND ($2::BIGINT IS NULL OR id < $2)
		 ORDER BY id DESC LIMIT $3`,
		roomID, beforeID, limit,
	)
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

func scanMessage(row pgx.Row) (*store.Message, error) {
	var msg store.Message
	err := row.Scan(
		&msg.ID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.RoomID,
		&msg.Text,
		&msg.ClientMsgID,
		&msg.CreatedAt,
		&msg.IsDeleted,
		&msg.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("message: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &msg, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ store.Store = (*PostgresStore)(nil)
