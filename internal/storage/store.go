package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gabrielenos/lancip/internal/types"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEmail = errors.New("email already registered")
	ErrSelfContact    = errors.New("cannot add yourself as a contact")
)

// SearchLimit caps the rows returned by SearchUsers.
const SearchLimit = 50

// User is a stored account.
type User struct {
	ID           types.UserID
	Email        string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
}

// Contact is an entry in a user's address book.
type Contact struct {
	User    User
	Alias   string
	AddedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	email         TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS contacts (
	owner_id   BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	contact_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	alias      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_id, contact_id)
);`

// Store persists users and contacts in Postgres.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// New constructs a store using the provided Postgres pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) (err error) {
	ctx, done := observe(ctx, "ensure_schema")
	defer done(&err)
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, schema)
		return err
	})
}

// Ping runs a trivial query against the database.
func (s *Store) Ping(ctx context.Context) (err error) {
	ctx, done := observe(ctx, "ping")
	defer done(&err)
	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// CreateUser inserts a user. Emails are stored lower-cased.
func (s *Store) CreateUser(ctx context.Context, email, name, passwordHash string) (u User, err error) {
	ctx, done := observe(ctx, "create_user")
	defer done(&err)

	u = User{Email: normalizeEmail(email), Name: strings.TrimSpace(name), PasswordHash: passwordHash}
	err = s.retry(ctx, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
INSERT INTO users (email, name, password_hash)
VALUES ($1, $2, $3)
RETURNING id, created_at`, u.Email, u.Name, u.PasswordHash).Scan(&u.ID, &u.CreatedAt)
	})
	if isUniqueViolation(err) {
		return User{}, ErrDuplicateEmail
	}
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// UserByEmail looks a user up by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (u User, err error) {
	ctx, done := observe(ctx, "user_by_email")
	defer done(&err)
	return s.scanUser(s.pool.QueryRow(ctx, `
SELECT id, email, name, password_hash, created_at FROM users WHERE email = $1`, normalizeEmail(email)))
}

// UserByID looks a user up by id.
func (s *Store) UserByID(ctx context.Context, id types.UserID) (u User, err error) {
	ctx, done := observe(ctx, "user_by_id")
	defer done(&err)
	return s.scanUser(s.pool.QueryRow(ctx, `
SELECT id, email, name, password_hash, created_at FROM users WHERE id = $1`, int64(id)))
}

// UserExists reports whether id belongs to a registered user.
func (s *Store) UserExists(ctx context.Context, id types.UserID) (exists bool, err error) {
	ctx, done := observe(ctx, "user_exists")
	defer done(&err)
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, int64(id)).Scan(&exists)
	return exists, err
}

// SearchUsers returns users whose name contains query, case-insensitively.
// An empty query lists the first users by id.
func (s *Store) SearchUsers(ctx context.Context, query string) (users []User, err error) {
	ctx, done := observe(ctx, "search_users")
	defer done(&err)

	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.pool.Query(ctx, `
SELECT id, email, name, password_hash, created_at
FROM users
WHERE name ILIKE $1
ORDER BY id
LIMIT $2`, pattern, SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		var id int64
		if err := rows.Scan(&id, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.ID = types.UserID(id)
		users = append(users, u)
	}
	return users, rows.Err()
}

// AddContact files contactID in owner's address book. Adding an existing
// contact updates its alias.
func (s *Store) AddContact(ctx context.Context, owner, contactID types.UserID, alias string) (c Contact, err error) {
	ctx, done := observe(ctx, "add_contact")
	defer done(&err)

	if owner == contactID {
		return Contact{}, ErrSelfContact
	}
	err = s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var id int64
		row := tx.QueryRow(ctx, `SELECT id, email, name, created_at FROM users WHERE id = $1`, int64(contactID))
		if err := row.Scan(&id, &c.User.Email, &c.User.Name, &c.User.CreatedAt); err != nil {
			return err
		}
		c.User.ID = types.UserID(id)

		if err := tx.QueryRow(ctx, `
INSERT INTO contacts (owner_id, contact_id, alias)
VALUES ($1, $2, $3)
ON CONFLICT (owner_id, contact_id)
DO UPDATE SET alias = EXCLUDED.alias
RETURNING alias, created_at`, int64(owner), int64(contactID), strings.TrimSpace(alias)).Scan(&c.Alias, &c.AddedAt); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("add contact: %w", err)
	}
	return c, nil
}

// ListContacts returns owner's contacts ordered by name.
func (s *Store) ListContacts(ctx context.Context, owner types.UserID) (contacts []Contact, err error) {
	ctx, done := observe(ctx, "list_contacts")
	defer done(&err)

	rows, err := s.pool.Query(ctx, `
SELECT u.id, u.email, u.name, u.created_at, c.alias, c.created_at
FROM contacts c
JOIN users u ON u.id = c.contact_id
WHERE c.owner_id = $1
ORDER BY lower(COALESCE(NULLIF(c.alias, ''), u.name)), u.id`, int64(owner))
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Contact
		var id int64
		if err := rows.Scan(&id, &c.User.Email, &c.User.Name, &c.User.CreatedAt, &c.Alias, &c.AddedAt); err != nil {
			return nil, err
		}
		c.User.ID = types.UserID(id)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// RemoveContact deletes contactID from owner's address book.
func (s *Store) RemoveContact(ctx context.Context, owner, contactID types.UserID) (err error) {
	ctx, done := observe(ctx, "remove_contact")
	defer done(&err)

	var tag pgconn.CommandTag
	err = s.retry(ctx, func(ctx context.Context) error {
		var execErr error
		tag, execErr = s.pool.Exec(ctx, `DELETE FROM contacts WHERE owner_id = $1 AND contact_id = $2`, int64(owner), int64(contactID))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("remove contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanUser(row pgx.Row) (User, error) {
	var u User
	var id int64
	err := row.Scan(&id, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.ID = types.UserID(id)
	return u, nil
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isExpected(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateEmail) || errors.Is(err, ErrSelfContact)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
