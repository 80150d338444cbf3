package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestParseGrantType(t *testing.T) {
	cases := []struct {
		in      string
		want    GrantType
		wantErr bool
	}{
		{"", GrantNone, false},
		{"access_token", GrantAccessToken, false},
		{"client_credentials", GrantClientCredentials, false},
		{"password", GrantPassword, false},
		{"refresh_token", GrantRefreshToken, false},
		{"authorization_code", GrantAuthorizationCode, false},
		{" password ", GrantPassword, false},
		{"implicit", GrantNone, true},
	}
	for _, c := range cases {
		got, err := ParseGrantType(c.in)
		if c.wantErr {
			if !errors.Is(err, ErrUnsupportedGrant) {
				t.Errorf("ParseGrantType(%q) err = %v, want ErrUnsupportedGrant", c.in, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Errorf("ParseGrantType(%q) = %v, %v; want %v", c.in, got, err, c.want)
		}
	}
}

func TestTokenRemaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := &Token{ExpiresAt: now.Add(30 * time.Minute)}
	if got := tok.Remaining(now); got != 30*time.Minute {
		t.Fatalf("Remaining = %v", got)
	}
	if got := tok.Remaining(now.Add(time.Hour)); got != 0 {
		t.Fatalf("Remaining past expiry = %v, want 0", got)
	}
	if !tok.Expired(now.Add(time.Hour)) {
		t.Fatal("Expired = false past expiry")
	}
}

func newTestProvider(t *testing.T, handler http.Handler) (*Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewProvider(Options{
		ClientID:     "cid",
		ClientSecret: "csecret",
		AuthURL:      srv.URL + "/authorize",
		TokenURL:     srv.URL + "/token",
		RedirectURL:  "https://portal.example.com/auth/oauth2",
		OwnerURL:     srv.URL + "/owner",
		Scopes:       []string{"profile"},
	}), srv
}

func TestProviderPasswordExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.Form.Get("grant_type"); got != "password" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("username"); got != "u@example.com" {
			t.Errorf("username = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","token_type":"bearer","expires_in":3600,"scope":"profile email"}`))
	})
	p, _ := newTestProvider(t, mux)

	tok, err := p.Exchange(context.Background(), GrantPassword, Params{Username: "u@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if tok.Value != "at" || tok.RefreshValue != "rt" {
		t.Fatalf("token = %+v", tok)
	}
	if len(tok.Scopes) != 2 || tok.Scopes[0] != "profile" {
		t.Fatalf("scopes = %v", tok.Scopes)
	}
	if remaining := time.Until(tok.ExpiresAt); remaining < 59*time.Minute {
		t.Fatalf("expiry too soon: %v", remaining)
	}
}

func TestProviderErrorCarriesUpstreamCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token expired"}`))
	})
	p, _ := newTestProvider(t, mux)

	_, err := p.Exchange(context.Background(), GrantRefreshToken, Params{RefreshToken: "stale"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if perr.Code != "invalid_grant" {
		t.Fatalf("Code = %q, want invalid_grant", perr.Code)
	}
}

func TestProviderAuthCodeURL(t *testing.T) {
	p := NewProvider(Options{
		ClientID:    "cid",
		AuthURL:     "https://idp.example.com/authorize",
		TokenURL:    "https://idp.example.com/token",
		RedirectURL: "https://portal.example.com/auth/oauth2",
	})
	authURL, state := p.AuthCodeURL()
	if state == "" {
		t.Fatal("empty state")
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth URL: %v", err)
	}
	if got := u.Query().Get("state"); got != state {
		t.Fatalf("state in URL = %q, returned %q", got, state)
	}
	if got := u.Query().Get("client_id"); got != "cid" {
		t.Fatalf("client_id = %q", got)
	}

	_, state2 := p.AuthCodeURL()
	if state2 == state {
		t.Fatal("state values must not repeat")
	}
}

func TestResourceOwner(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/owner", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer at" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"userId":"ext-1","userName":"jdoe","realName":"J. Doe","emailAddress":"jdoe@example.com","age":33,"sex":"f"}]}`))
	})
	p, _ := newTestProvider(t, mux)

	owner, err := p.ResourceOwner(context.Background(), &Token{Value: "at"})
	if err != nil {
		t.Fatalf("ResourceOwner: %v", err)
	}
	if owner.LoginName != "jdoe" || owner.ID != "ext-1" || owner.Age != 33 {
		t.Fatalf("owner = %+v", owner)
	}
}

func TestResourceOwnerEmptyPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/owner", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	p, _ := newTestProvider(t, mux)

	_, err := p.ResourceOwner(context.Background(), &Token{Value: "at"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if !strings.Contains(perr.Code, "resource_owner") {
		t.Fatalf("Code = %q", perr.Code)
	}
}

func TestResourceOwnerNon200(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/owner", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	p, _ := newTestProvider(t, mux)

	_, err := p.ResourceOwner(context.Background(), &Token{Value: "bad"})
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
}
