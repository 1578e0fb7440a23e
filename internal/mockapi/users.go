package mockapi

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
)

// User is the public identity record, shaped like the API's user schema.
type User struct {
	ID        int64   `json:"user_id" db:"user_id"`
	Username  string  `json:"username" db:"username"`
	Email     *string `json:"email" db:"email"`
	CreatedAt string  `json:"created_at" db:"created_at"`
}

type userRow struct {
	User
	PasswordHash string `db:"password_hash"`
}

// DBInit creates the users table.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT,
		password_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	)
	`)
	if err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

func dbCreateUser(db *sqlx.DB, username, password string, email *string, now time.Time) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	createdAt := now.UTC().Format("2006-01-02T15:04:05")
	result, err := db.Exec(`INSERT INTO users (username, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		username, email, string(hash), createdAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to insert user %s: %w", username, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, Email: email, CreatedAt: createdAt}, nil
}

func dbGetUserByID(db *sqlx.DB, id int64) (*User, error) {
	var row userRow
	err := db.Get(&row, `SELECT user_id, username, email, password_hash, created_at FROM users WHERE user_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row.User, nil
}

func dbAttemptLogin(db *sqlx.DB, username, password string) (*User, error) {
	var row userRow
	err := db.Get(&row, `SELECT user_id, username, email, password_hash, created_at FROM users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &row.User, nil
}

// dbUpdateUser changes the email when setEmail is true and the password when
// password is non-empty.
func dbUpdateUser(db *sqlx.DB, id int64, setEmail bool, email *string, password string) (*User, error) {
	tx, err := db.Beginx()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if setEmail {
		if _, err := tx.Exec(`UPDATE users SET email = $1 WHERE user_id = $2`, email, id); err != nil {
			return nil, fmt.Errorf("failed to update email: %w", err)
		}
	}
	if password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		if _, err := tx.Exec(`UPDATE users SET password_hash = $1 WHERE user_id = $2`, string(hash), id); err != nil {
			return nil, fmt.Errorf("failed to update password: %w", err)
		}
	}

	var row userRow
	err = tx.Get(&row, `SELECT user_id, username, email, password_hash, created_at FROM users WHERE user_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &row.User, nil
}
