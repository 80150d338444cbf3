package main

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"account-portal/oauth"
)

// User is the local identity record. Password hash is absent for
// OAuth-only accounts.
type User struct {
	ID           int64
	Name         string
	Email        sql.NullString
	PasswordHash sql.NullString
	DisplayName  sql.NullString
	Age          sql.NullInt64
	Sex          sql.NullString
	ExternalID   sql.NullString
	Locale       sql.NullString
}

const userColumns = `id, name, email, password_hash, display_name, age, sex, external_id, locale`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(rs rowScanner) (User, error) {
	var u User
	err := rs.Scan(
		&u.ID,
		&u.Name,
		&u.Email,
		&u.PasswordHash,
		&u.DisplayName,
		&u.Age,
		&u.Sex,
		&u.ExternalID,
		&u.Locale,
	)
	return u, err
}

func getUserByEmail(ctx context.Context, email string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return scanUser(db.QueryRowContext(ctx, `
SELECT `+userColumns+`
  FROM users
 WHERE email = $1
`, strings.TrimSpace(email)))
}

func getUserByName(ctx context.Context, name string) (User, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	return scanUser(db.QueryRowContext(ctx, `
SELECT `+userColumns+`
  FROM users
 WHERE name = $1
`, strings.TrimSpace(name)))
}

// newUserParams is the field set accepted when creating a local user.
type newUserParams struct {
	Name         string
	Email        string
	PasswordHash string
	DisplayName  string
	Age          int64
	Sex          string
	ExternalID   string
	Locale       string
}

// createUser inserts a user keyed on the unique name. The conflict clause
// makes creation an at-least-once-safe upsert: a concurrent or repeated
// create of the same name returns the existing row instead of failing.
func createUser(ctx context.Context, p newUserParams) (User, error) {
	if strings.TrimSpace(p.Name) == "" {
		return User{}, errors.New("user name required")
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	return scanUser(db.QueryRowContext(ctx, `
INSERT INTO users (name, email, password_hash, display_name, age, sex, external_id, locale)
VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, 0), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
ON CONFLICT (name) DO UPDATE
   SET email       = COALESCE(users.email, EXCLUDED.email),
       external_id = COALESCE(users.external_id, EXCLUDED.external_id),
       updated_at  = now()
RETURNING `+userColumns+`
`,
		strings.TrimSpace(p.Name),
		strings.TrimSpace(p.Email),
		p.PasswordHash,
		strings.TrimSpace(p.DisplayName),
		p.Age,
		strings.TrimSpace(p.Sex),
		strings.TrimSpace(p.ExternalID),
		strings.TrimSpace(p.Locale),
	))
}

// updateUserPassword stores a new hash for the account with this email;
// the caller learns whether a row actually changed.
func updateUserPassword(ctx context.Context, email, passwordHash string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	res, err := db.ExecContext(ctx, `
UPDATE users
   SET password_hash = $2,
       updated_at    = now()
 WHERE email = $1
`, strings.TrimSpace(email), passwordHash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// materializeUser maps a resource-owner profile onto a local user, creating
// one on first sight. Idempotent: keyed on the external login name, so a
// repeated call returns the same user and never duplicates.
func materializeUser(ctx context.Context, owner oauth.Owner) (User, error) {
	u, err := getUserByName(ctx, owner.LoginName)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}

	display := strings.TrimSpace(owner.RealName)
	if display == "" {
		display = owner.LoginName
	}
	return createUser(ctx, newUserParams{
		Name:        owner.LoginName,
		Email:       owner.Email,
		DisplayName: display,
		Age:         owner.Age,
		Sex:         owner.Sex,
		ExternalID:  owner.ID,
	})
}
