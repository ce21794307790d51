// Package store keeps the credential application's users table. It is the
// main consumer of the pool inside this repository: every call acquires a
// handle, runs its statements through a cursor and releases the handle.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/sqlpool/pkg/driver"
	"github.com/ajitpratap0/sqlpool/pkg/logger"
	"github.com/ajitpratap0/sqlpool/pkg/pool"
	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

var (
	// ErrUserNotFound is returned when no user has the requested name.
	ErrUserNotFound = &poolerrors.Error{Type: poolerrors.ErrorTypeNotFound, Message: "user not found"}
	// ErrUserExists is returned when creating a user whose name is taken.
	ErrUserExists = &poolerrors.Error{Type: poolerrors.ErrorTypeMisuse, Message: "user name already exists"}
)

// User is one row of the users table. Hash is stored as given.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Hash string `json:"-"`
}

// dialect holds what differs between engines for this table.
type dialect struct {
	schema   string
	numbered bool // $1, $2 instead of ?
}

var dialects = map[string]dialect{
	"pgx": {
		schema: `CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	hash TEXT NOT NULL
)`,
		numbered: true,
	},
	"mysql": {
		schema: `CREATE TABLE IF NOT EXISTS users (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	name VARCHAR(255) UNIQUE NOT NULL,
	hash TEXT NOT NULL
)`,
	},
	"snowflake": {
		schema: `CREATE TABLE IF NOT EXISTS users (
	id INTEGER AUTOINCREMENT PRIMARY KEY,
	name VARCHAR UNIQUE NOT NULL,
	hash VARCHAR NOT NULL
)`,
	},
}

var sqliteDialect = dialect{
	schema: `CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	hash TEXT NOT NULL
)`,
}

// Store runs user queries against a pool.
type Store struct {
	pool    *pool.Pool
	dialect dialect
	logger  *zap.Logger
}

// New creates a Store on p. The SQL dialect follows p's driver.
func New(p *pool.Pool) *Store {
	d, ok := dialects[p.Driver().Name()]
	if !ok {
		d = sqliteDialect
	}
	return &Store{
		pool:    p,
		dialect: d,
		logger:  logger.With(zap.String("component", "store"), zap.String("pool", p.Name())),
	}
}

// Bootstrap creates the users table if it does not exist.
func (s *Store) Bootstrap(ctx context.Context) error {
	err := pool.WithReadWrite(ctx, s.pool, func(h pool.Handle) error {
		cur, err := h.Cursor(ctx)
		if err != nil {
			return err
		}
		defer cur.Close()
		_, err = cur.Exec(ctx, s.dialect.schema)
		return err
	})
	if err != nil {
		return poolerrors.Wrap(err, poolerrors.ErrorTypeDriver, "failed to create users table")
	}
	s.logger.Debug("schema ready")
	return nil
}

// CreateUser inserts a user and returns it with its assigned id.
func (s *Store) CreateUser(ctx context.Context, name, hash string) (User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, poolerrors.New(poolerrors.ErrorTypeMisuse, "user name is required")
	}
	if hash == "" {
		return User{}, poolerrors.New(poolerrors.ErrorTypeMisuse, "password hash is required").
			WithDetail("name", name)
	}

	return pool.RunReadWrite(ctx, s.pool, func(h pool.Handle) (User, error) {
		cur, err := h.Cursor(ctx)
		if err != nil {
			return User{}, err
		}
		defer cur.Close()

		if _, err := s.find(ctx, cur, name); err == nil {
			return User{}, poolerrors.From(ErrUserExists).WithDetail("name", name)
		} else if !errors.Is(err, ErrUserNotFound) {
			return User{}, err
		}

		if _, err := cur.Exec(ctx, s.Rebind("INSERT INTO users (name, hash) VALUES (?, ?)"), name, hash); err != nil {
			return User{}, err
		}
		u, err := s.find(ctx, cur, name)
		if err != nil {
			return User{}, err
		}
		s.logger.Info("user created", zap.Int64("id", u.ID), zap.String("name", u.Name))
		return u, nil
	})
}

// FindUser looks a user up by name.
func (s *Store) FindUser(ctx context.Context, name string) (User, error) {
	return pool.RunReadOnly(ctx, s.pool, func(h pool.Handle) (User, error) {
		cur, err := h.Cursor(ctx)
		if err != nil {
			return User{}, err
		}
		defer cur.Close()
		return s.find(ctx, cur, name)
	})
}

// ListUsers returns every user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	return pool.RunReadOnly(ctx, s.pool, func(h pool.Handle) ([]User, error) {
		cur, err := h.Cursor(ctx)
		if err != nil {
			return nil, err
		}
		defer cur.Close()

		rows, err := cur.Query(ctx, "SELECT id, name, hash FROM users ORDER BY id")
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var users []User
		for rows.Next() {
			var u User
			if err := rows.Scan(&u.ID, &u.Name, &u.Hash); err != nil {
				return nil, err
			}
			users = append(users, u)
		}
		return users, rows.Err()
	})
}

// CountUsers returns the number of users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	return pool.RunReadOnly(ctx, s.pool, func(h pool.Handle) (int, error) {
		cur, err := h.Cursor(ctx)
		if err != nil {
			return 0, err
		}
		defer cur.Close()
		var n int
		err = cur.QueryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
		return n, err
	})
}

// DeleteUser removes the user called name.
func (s *Store) DeleteUser(ctx context.Context, name string) error {
	return pool.WithReadWrite(ctx, s.pool, func(h pool.Handle) error {
		cur, err := h.Cursor(ctx)
		if err != nil {
			return err
		}
		defer cur.Close()

		res, err := cur.Exec(ctx, s.Rebind("DELETE FROM users WHERE name = ?"), name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return poolerrors.From(ErrUserNotFound).WithDetail("name", name)
		}
		s.logger.Info("user deleted", zap.String("name", name))
		return nil
	})
}

func (s *Store) find(ctx context.Context, cur driver.Cursor, name string) (User, error) {
	rows, err := cur.Query(ctx, s.Rebind("SELECT id, name, hash FROM users WHERE name = ?"), name)
	if err != nil {
		return User{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return User{}, err
		}
		return User{}, poolerrors.From(ErrUserNotFound).WithDetail("name", name)
	}
	var u User
	if err := rows.Scan(&u.ID, &u.Name, &u.Hash); err != nil {
		return User{}, err
	}
	return u, nil
}

// Rebind rewrites ? placeholders for engines that number them.
func (s *Store) Rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
