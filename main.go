package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"account-portal/health"
	"account-portal/mail"
	"account-portal/oauth"
	"account-portal/session"
	"account-portal/token"
)

const (
	driverLocal  = "local"
	driverOAuth2 = "oauth2"

	sessionCookieName = "portal_session"
)

type config struct {
	AppURL              string
	AuthDriver          string
	SessionTTL          time.Duration
	PruneAge            time.Duration
	IdentityMailSubject string
	ListenAddr          string
}

// mailSender is the slice of the mail transport the handlers use; tests
// substitute a recorder.
type mailSender interface {
	Send(ctx context.Context, to, toName, subject, htmlBody string) error
}

// ownerFetcher is the provider surface the OAuth2 login path needs beyond
// the resolver.
type ownerFetcher interface {
	ResourceOwner(ctx context.Context, t *oauth.Token) (oauth.Owner, error)
}

var (
	cfg          config
	db           *sql.DB
	sessionStore *session.Store
	issuer       *token.Issuer
	resolver     *oauth.Resolver
	provider     ownerFetcher
	mailer       mailSender
)

func main() {
	currentLogLevel = parseLogLevel(os.Getenv("LOG_LEVEL"))

	cfg = config{
		AppURL:              strings.TrimRight(envOr("APP_URL", "http://localhost:8080"), "/"),
		AuthDriver:          envOr("AUTH_DRIVER", driverLocal),
		SessionTTL:          parseDurationOr("SESSION_TTL", 2*time.Hour),
		PruneAge:            parseDurationOr("SESSION_PRUNE_AGE", 30*24*time.Hour),
		IdentityMailSubject: envOr("IDENTITY_MAIL_SUBJECT", "Password reset"),
		ListenAddr:          ":" + envOr("PORT", "8080"),
	}

	secret := os.Getenv("SESSION_SECRET")
	if secret == "" {
		log.Fatal("SESSION_SECRET is required")
	}
	if err := initTokenSealing(os.Getenv("SESSION_SEAL_KEY")); err != nil {
		log.Fatalf("token sealing: %v", err)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	var err error
	db, err = sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	if err := createSchema(); err != nil {
		log.Fatalf("create schema: %v", err)
	}
	if names := envOr("SEED_ROLES", ""); names != "" {
		if err := ensureRoles(context.Background(), strings.Split(names, ",")); err != nil {
			log.Fatalf("seed roles: %v", err)
		}
	}

	sessionStore = &session.Store{DB: db, Timeout: dbTimeout}
	issuer = &token.Issuer{
		DB:         db,
		Secret:     []byte(secret),
		IssuerName: cfg.AppURL,
		DefaultTTL: cfg.SessionTTL,
	}

	prov := oauth.NewProvider(oauth.Options{
		ClientID:           os.Getenv("OAUTH2_CLIENT_ID"),
		ClientSecret:       os.Getenv("OAUTH2_CLIENT_SECRET"),
		AuthURL:            os.Getenv("OAUTH2_AUTH_URL"),
		TokenURL:           os.Getenv("OAUTH2_TOKEN_URL"),
		RedirectURL:        envOr("OAUTH2_REDIRECT_URL", cfg.AppURL+"/auth/oauth2"),
		OwnerURL:           os.Getenv("OAUTH2_OWNER_URL"),
		Scopes:             strings.Fields(os.Getenv("OAUTH2_SCOPES")),
		Timeout:            parseDurationOr("PROVIDER_TIMEOUT", 10*time.Second),
		InsecureSkipVerify: envBool("PROVIDER_INSECURE_SKIP_VERIFY", false),
	})
	provider = prov
	resolver = &oauth.Resolver{
		Provider:         prov,
		SuppliedTokenTTL: parseDurationOr("SUPPLIED_TOKEN_TTL", cfg.SessionTTL),
	}

	mailer = &mail.Transport{
		Host:       os.Getenv("SMTP_HOST"),
		Port:       envInt("SMTP_PORT", 587),
		Username:   os.Getenv("SMTP_USERNAME"),
		Password:   os.Getenv("SMTP_PASSWORD"),
		From:       envOr("SMTP_FROM", "noreply@localhost"),
		SenderName: envOr("SMTP_SENDER_NAME", "Account Portal"),
	}

	go pruneSessions()

	r := mux.NewRouter()
	r.HandleFunc("/auth/login", loginHandler).Methods(http.MethodPost)
	r.HandleFunc("/auth/oauth2", oauth2Handler).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/auth/logout", handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/register", registerHandler).Methods(http.MethodPost)
	r.HandleFunc("/ping", pingHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", health.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", health.ReadinessHandler(map[string]health.Checker{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
	})).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           WithRequestLogging(withSecurityHeaders(r)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	Infof("listening on %s (driver=%s)", cfg.ListenAddr, cfg.AuthDriver)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"pong": true})
}

func withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// sessionFromRequest loads the browser session identified by the portal
// cookie, minting cookie and ID on first contact.
func sessionFromRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	var id string
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		id = c.Value
	} else {
		id = uuid.New().String()
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    id,
			Path:     "/",
			MaxAge:   int(cfg.SessionTTL / time.Second),
			HttpOnly: true,
			Secure:   strings.HasPrefix(cfg.AppURL, "https://"),
			SameSite: http.SameSiteLaxMode,
		})
	}
	return sessionStore.Load(ctx, id)
}

// pruneSessions drops session rows that have gone stale. Best effort.
func pruneSessions() {
	for {
		time.Sleep(time.Hour)
		n, err := sessionStore.PruneBefore(context.Background(), time.Now().Add(-cfg.PruneAge))
		if err != nil {
			Warnf("session prune: %v", err)
		} else if n > 0 {
			Debugf("pruned %d stale session rows", n)
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return formBool(v)
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		Warnf("bad duration in %s: %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
