package oauth

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// SessionStateKey is the session-store key the anti-CSRF state lives under.
// The name is part of the contract with anything else reading session state.
const SessionStateKey = "oauth2state"

// Exchanger is the provider surface the resolver needs; *Provider satisfies
// it, tests substitute fakes.
type Exchanger interface {
	AuthCodeURL() (url, state string)
	Exchange(ctx context.Context, grant GrantType, params Params) (*Token, error)
}

// StateStore is the slice of the session the resolver touches: stashing and
// consuming the anti-CSRF state, with explicit commit points.
type StateStore interface {
	Set(key string, value any) error
	// PullString reads and removes the key (single-use).
	PullString(key string) string
	Save(ctx context.Context) error
}

// Request is the credential field set extracted from the inbound request.
type Request struct {
	Grant        string
	AccessToken  string
	RefreshToken string
	Email        string
	Password     string
	Code         string
	State        string
	// ExpiresIn overrides the configured TTL for a directly supplied
	// access token, in seconds. Zero means "not supplied".
	ExpiresIn int64
}

// Outcome is the resolver's result: exactly one of Token or RedirectURL is
// set on success. FellThrough records that a refresh-token exchange failed
// softly and the interactive branch took over.
type Outcome struct {
	Token       *Token
	RedirectURL string
	FellThrough bool
}

// Resolver normalizes the five supported grant inputs into an access token,
// or suspends the request with a redirect to the authorization server.
type Resolver struct {
	Provider Exchanger
	// SuppliedTokenTTL bounds the lifetime assumed for a directly
	// supplied access token (the cookie TTL in the reference config).
	SuppliedTokenTTL time.Duration
	Now              func() time.Time
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Resolve runs the grant-type state machine.
//
// The refresh_token branch swallows provider errors: an expired refresh
// token degrades to a fresh interactive login instead of a hard failure.
// The interactive branch stashes a single-use state value in the session
// before redirecting, and consumes it before comparing on callback.
func (r *Resolver) Resolve(ctx context.Context, sess StateStore, req Request) (Outcome, error) {
	grant, err := ParseGrantType(req.Grant)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	switch grant {
	case GrantAccessToken:
		now := r.now()
		tok := &Token{Value: req.AccessToken}
		if req.ExpiresIn != 0 {
			tok.ExpiresAt = now.Add(time.Duration(req.ExpiresIn) * time.Second)
		} else {
			tok.ExpiresAt = now.Add(r.SuppliedTokenTTL)
		}
		if tok.Expired(now) {
			return Outcome{}, ErrTokenExpired
		}
		out.Token = tok
	case GrantClientCredentials:
		tok, err := r.Provider.Exchange(ctx, grant, Params{})
		if err != nil {
			return Outcome{}, err
		}
		out.Token = tok
	case GrantPassword:
		tok, err := r.Provider.Exchange(ctx, grant, Params{Username: req.Email, Password: req.Password})
		if err != nil {
			return Outcome{}, err
		}
		out.Token = tok
	case GrantRefreshToken:
		tok, err := r.Provider.Exchange(ctx, grant, Params{RefreshToken: req.RefreshToken})
		if err != nil {
			out.FellThrough = true
		} else {
			out.Token = tok
		}
	}

	if out.Token != nil {
		return out, nil
	}

	// Interactive branch: no token yet, so either start the redirect
	// dance or finish it with the returned code.
	if strings.TrimSpace(req.Code) == "" {
		authURL, state := r.Provider.AuthCodeURL()
		if err := sess.Set(SessionStateKey, state); err != nil {
			return Outcome{}, err
		}
		if err := sess.Save(ctx); err != nil {
			return Outcome{}, err
		}
		out.RedirectURL = authURL
		return out, nil
	}

	stored := sess.PullString(SessionStateKey)
	if err := sess.Save(ctx); err != nil {
		return Outcome{}, err
	}
	got, _ := url.QueryUnescape(req.State)
	want, _ := url.QueryUnescape(stored)
	if strings.TrimSpace(req.State) == "" || stored == "" || got != want {
		return Outcome{}, ErrInvalidState
	}

	code, _ := url.QueryUnescape(req.Code)
	tok, err := r.Provider.Exchange(ctx, GrantAuthorizationCode, Params{Code: code})
	if err != nil {
		return Outcome{}, err
	}
	out.Token = tok
	return out, nil
}
