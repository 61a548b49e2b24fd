// Package auth backs client authentication with a sqlite3 user table,
// plus schema management and an allow_anonymous fallback for deployments
// that don't require credentials.
package auth

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sablemq/sablemq/pkg/er"
	"github.com/sablemq/sablemq/pkg/hash"
)

// Store authenticates clients against a sqlite3-backed user table.
type Store struct {
	db             *sql.DB
	allowAnonymous bool
}

func New(db *sql.DB, allowAnonymous bool) *Store {
	return &Store{db: db, allowAnonymous: allowAnonymous}
}

// EnsureSchema creates the users/acl_rules tables if they don't exist.
func (s *Store) EnsureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	secret   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS acl_rules (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	username   TEXT NOT NULL,
	topic      TEXT NOT NULL,
	permission TEXT NOT NULL CHECK (permission IN ('read', 'write', 'readwrite'))
);
CREATE INDEX IF NOT EXISTS idx_acl_rules_username ON acl_rules(username);
`)
	if err != nil {
		return fmt.Errorf("auth: ensure schema: %w", err)
	}
	return nil
}

// AddUser hashes passwd and upserts it into the users table, mirroring
// Users_add_user.
func (s *Store) AddUser(username, passwd string) error {
	secret, err := hash.HashPasswd(passwd, hash.DefaultCost)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
INSERT INTO users(username, secret) VALUES (?, ?)
ON CONFLICT(username) DO UPDATE SET secret = excluded.secret
`, username, secret)
	if err != nil {
		return fmt.Errorf("auth: add user: %w", err)
	}
	return nil
}

// Authenticate verifies username/passwd against the stored bcrypt
// hash. An empty username with AllowAnonymous set succeeds without a
// lookup.
func (s *Store) Authenticate(username, passwd string) error {
	if username == "" {
		if s.allowAnonymous {
			return nil
		}
		return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
	}

	var secret string
	err := s.db.QueryRow("SELECT secret FROM users WHERE username = ?", username).Scan(&secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &er.Err{Context: "Auth", Message: er.ErrUserNotFound}
		}
		return fmt.Errorf("auth: query user: %w", err)
	}

	if !hash.VerifyPasswd(secret, passwd) {
		return &er.Err{Context: "Auth", Message: er.ErrInvalidPassword}
	}

	return nil
}
