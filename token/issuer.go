// Package token signs and verifies the session tokens the portal issues.
// A token carries the full reduced user snapshot in its res claim, so a
// request can be authorized without a directory round-trip.
package token

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("token: invalid")
	ErrRevoked      = errors.New("token: revoked")
)

const dbTimeout = 5 * time.Second

// Claims is the signed payload: registered claims plus the user snapshot.
type Claims struct {
	Res any `json:"res"`
	jwt.RegisteredClaims
}

// Issuer signs claims with the single shared HS256 key and keeps the
// best-effort revocation list.
type Issuer struct {
	DB         *sql.DB
	Secret     []byte
	IssuerName string
	DefaultTTL time.Duration
	Now        func() time.Time
}

func (i *Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue signs a session token for the subject with the given TTL. A zero or
// negative TTL falls back to the configured default (the local-password
// path); the OAuth2 path passes the upstream token's remaining lifetime.
func (i *Issuer) Issue(subject string, res any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = i.DefaultTTL
	}
	now := i.now()
	claims := Claims{
		Res: res,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    i.IssuerName,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
}

// Parse verifies signature and expiry and rejects revoked tokens.
func (i *Issuer) Parse(ctx context.Context, raw string) (*Claims, error) {
	claims, err := i.parse(raw)
	if err != nil {
		return nil, err
	}
	revoked, err := i.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

func (i *Issuer) parse(raw string) (*Claims, error) {
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return i.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Invalidate blacklists the token until its natural expiry. Tokens that are
// already expired or malformed cannot be located and are not an error:
// logout must always succeed.
func (i *Issuer) Invalidate(ctx context.Context, raw string) error {
	claims, err := i.parse(raw)
	if err != nil {
		return nil
	}
	if claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	// Opportunistic sweep keeps the table from growing unbounded.
	if _, err := i.DB.ExecContext(ctx, `DELETE FROM revoked_tokens WHERE expires_at < now()`); err != nil {
		return err
	}
	_, err = i.DB.ExecContext(ctx, `
INSERT INTO revoked_tokens (token_id, expires_at)
VALUES ($1, $2)
ON CONFLICT (token_id) DO NOTHING
`, claims.ID, claims.ExpiresAt.Time)
	return err
}

func (i *Issuer) isRevoked(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var one int
	err := i.DB.QueryRowContext(ctx, `SELECT 1 FROM revoked_tokens WHERE token_id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
