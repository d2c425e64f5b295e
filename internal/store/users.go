package store

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. These follow the OWASP-recommended floor used in
// arkeep-io-arkeep/server/internal/auth/local.go: low iteration count offset
// by generous memory cost, tuned for a single per-connection hash rather
// than a high-throughput API.
const (
	argon2Time    = 2
	argon2Memory  = 64 * 1024 // 64 MiB
	argon2Threads = 2
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

// RegisterReason enumerates why register() failed, per spec.md §4.A.
type RegisterReason string

const (
	ReasonOK            RegisterReason = ""
	ReasonLengthInvalid RegisterReason = "LENGTH_INVALID"
	ReasonNameTaken     RegisterReason = "NAME_TAKEN"
	ReasonInternal      RegisterReason = "INTERNAL"
)

// Length bounds from spec.md §3.
const (
	MinUsernameLen = 3
	MaxUsernameLen = 20
	MinPasswordLen = 6
	MaxPasswordLen = 50
)

// RegisterUser creates a new account. It enforces the username/password
// length bounds from spec.md §3 before touching storage.
func (s *Store) RegisterUser(ctx context.Context, username, password string) (RegisterReason, error) {
	if len(username) < MinUsernameLen || len(username) > MaxUsernameLen ||
		len(password) < MinPasswordLen || len(password) > MaxPasswordLen {
		return ReasonLengthInvalid, nil
	}

	hash, err := hashPassword(password)
	if err != nil {
		return ReasonInternal, fmt.Errorf("store: hash password: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ReasonNameTaken, nil
		}
		return ReasonInternal, fmt.Errorf("store: insert user: %w", err)
	}
	return ReasonOK, nil
}

// Authenticate (spec.md's verify) returns true iff the stored hash matches
// password, and stamps last_login on success.
func (s *Store) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM users WHERE username = ?`, username,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query user: %w", err)
	}

	if !verifyPassword(password, hash) {
		return false, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE username = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), username,
	); err != nil {
		return true, fmt.Errorf("store: update last_login: %w", err)
	}
	return true, nil
}

// ListUsernames returns every registered username, alphabetically — the
// ordering USERLIST broadcasts rely on.
func (s *Store) ListUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("store: scan username: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// hashPassword returns a salted Argon2id hash, stored as "saltHex:hashHex".
func hashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// verifyPassword checks password against a "saltHex:hashHex" stored value in
// constant time. An invalid stored format fails closed.
func verifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// isUniqueViolation reports whether err came from the users.username PRIMARY
// KEY constraint. modernc.org/sqlite reports constraint failures as plain
// *sqlite.Error whose message contains "UNIQUE constraint failed" — string
// matching is the pragmatic choice here since the driver does not expose a
// typed sentinel for it.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
