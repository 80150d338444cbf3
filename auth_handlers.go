package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"account-portal/oauth"
	"account-portal/session"
	"account-portal/token"
)

// authRequest is the merged field set of a login request. The frontend
// sends JSON; the OAuth2 callback arrives as query parameters; both land
// here.
type authRequest struct {
	Grant        string `json:"grant"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Code         string `json:"code"`
	State        string `json:"state"`
	Locale       string `json:"locale"`
	Language     string `json:"language"`
	Logout       bool   `json:"logout"`
	Identity     bool   `json:"identity"`
	Reset        bool   `json:"reset"`
	Return       bool   `json:"return"`
}

func decodeAuthRequest(r *http.Request) (authRequest, error) {
	var req authRequest

	// Query and urlencoded-body parameters first, JSON body on top.
	_ = r.ParseForm()
	req.Grant = r.Form.Get("grant")
	req.AccessToken = r.Form.Get("access_token")
	req.RefreshToken = r.Form.Get("refresh_token")
	req.ExpiresIn, _ = strconv.ParseInt(r.Form.Get("expires_in"), 10, 64)
	req.Email = r.Form.Get("email")
	req.Password = r.Form.Get("password")
	req.Code = r.Form.Get("code")
	req.State = r.Form.Get("state")
	req.Locale = r.Form.Get("locale")
	req.Language = r.Form.Get("language")
	req.Logout = formBool(r.Form.Get("logout"))
	req.Identity = formBool(r.Form.Get("identity"))
	req.Reset = formBool(r.Form.Get("reset"))
	req.Return = formBool(r.Form.Get("return"))

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" && r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, &ValidationError{Message: "malformed JSON body"}
		}
	}
	return req, nil
}

func formBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// loginHandler is the single login entry point. Mode flags in the request
// body pick the sub-flow; precedence matters when several are set.
func loginHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAuthRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case req.Logout:
		handleLogout(w, r)
	case req.Identity:
		handleIdentity(w, r, req)
	case req.Reset:
		handleReset(w, r, req)
	default:
		// Credentials are validated before the driver dispatch so both
		// drivers reject malformed input the same way.
		if err := checkInput(loginInput{Email: req.Email, Password: req.Password}); err != nil {
			writeError(w, err)
			return
		}
		if cfg.AuthDriver == driverOAuth2 {
			handleOAuth2(w, r, req, true)
		} else {
			handlePasswordLogin(w, r, req)
		}
	}
}

type loginInput struct {
	Email    string `json:"email" validate:"required,email,max=191"`
	Password string `json:"password" validate:"required,max=191"`
}

func handlePasswordLogin(w http.ResponseWriter, r *http.Request, req authRequest) {
	ctx := r.Context()

	u, err := getUserByEmail(ctx, req.Email)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, ErrInvalidCredentials)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if !u.PasswordHash.Valid ||
		bcrypt.CompareHashAndPassword([]byte(u.PasswordHash.String), []byte(req.Password)) != nil {
		writeError(w, ErrInvalidCredentials)
		return
	}

	roles, perms, err := aggregatePermissions(ctx, u.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	snap := snapshotUser(u, roles, perms)
	locale := req.Locale
	if locale == "" {
		locale = u.Locale.String
	}
	snap.Locale = locale

	signed, err := issuer.Issue(strconv.FormatInt(u.ID, 10), snap, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := mirrorLogin(ctx, w, r, session.Facts{
		Locale:     locale,
		LoggedName: u.Name,
		LoggedUser: snap,
	}); err != nil {
		writeError(w, err)
		return
	}

	Infof("login ok user=%s", u.Name)
	respondJSON(w, http.StatusOK, map[string]any{"token": signed})
}

// oauth2Handler serves the dedicated OAuth2 endpoint: the authorization
// server redirects the browser back here, so non-return mode answers with
// redirects instead of JSON.
func oauth2Handler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAuthRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	handleOAuth2(w, r, req, req.Return)
}

func handleOAuth2(w http.ResponseWriter, r *http.Request, req authRequest, returnOnly bool) {
	ctx := r.Context()

	sess, err := sessionFromRequest(ctx, w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := resolver.Resolve(ctx, sess, oauth.Request{
		Grant:        req.Grant,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		Email:        req.Email,
		Password:     req.Password,
		Code:         req.Code,
		State:        req.State,
		ExpiresIn:    req.ExpiresIn,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if out.FellThrough {
		Debugf("refresh token rejected upstream, restarting interactive flow")
	}
	if out.RedirectURL != "" {
		if returnOnly {
			respondJSON(w, http.StatusOK, map[string]any{"redirect": out.RedirectURL})
			return
		}
		http.Redirect(w, r, out.RedirectURL, http.StatusFound)
		return
	}

	owner, err := provider.ResourceOwner(ctx, out.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := materializeUser(ctx, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	roles, perms, err := aggregatePermissions(ctx, u.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	snap := snapshotUser(u, roles, perms)
	locale := req.Language
	if locale == "" {
		locale = u.Locale.String
	}
	snap.Locale = locale

	signed, err := issuer.Issue(strconv.FormatInt(u.ID, 10), snap, out.Token.Remaining(time.Now()))
	if err != nil {
		writeError(w, err)
		return
	}

	sealed, err := SealToken(out.Token.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := session.Mirror(ctx, sess, session.Facts{
		AccessToken: sealed,
		Locale:      locale,
		LoggedName:  u.Name,
		LoggedUser:  snap,
	}); err != nil {
		writeError(w, err)
		return
	}

	Infof("oauth2 login ok user=%s", u.Name)
	if returnOnly {
		respondJSON(w, http.StatusOK, map[string]any{
			"token":         signed,
			"refresh_token": out.Token.RefreshValue,
		})
		return
	}
	dest := cfg.AppURL + "/#/oauth2?s=" + url.QueryEscape(signed) +
		"&r=" + url.QueryEscape(out.Token.RefreshValue)
	http.Redirect(w, r, dest, http.StatusFound)
}

// handleLogout revokes the presented session token and drops the mirrored
// session facts. Logout never fails: a token we cannot revoke is expired
// or garbage either way.
func handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if raw := bearerToken(r); raw != "" {
		if err := issuer.Invalidate(ctx, raw); err != nil {
			Warnf("token revocation failed: %v", err)
		}
	}

	sess, err := sessionFromRequest(ctx, w, r)
	if err == nil {
		if err := session.Clear(ctx, sess); err != nil {
			Warnf("session clear failed: %v", err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

type identityInput struct {
	Email string `json:"email" validate:"required,email,max=191"`
}

const identityMailBody = `<p>Hello :name,</p>
<p>A password reset was requested for your account.
Follow <a href=":link">this link</a> to choose a new password.</p>
<p>If you did not request this, you can ignore this message.</p>`

// handleIdentity starts the recovery flow: mails a reset link to the
// address if an account exists. Every failure collapses into the same
// generic error so the endpoint cannot be used to probe for accounts.
func handleIdentity(w http.ResponseWriter, r *http.Request, req authRequest) {
	ctx := r.Context()
	// Malformed and unknown addresses answer identically.
	if err := checkInput(identityInput{Email: req.Email}); err != nil {
		writeError(w, ErrInvalidCredentials)
		return
	}

	u, err := getUserByEmail(ctx, req.Email)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			Errorf("identity lookup: %v", err)
		}
		writeError(w, ErrInvalidCredentials)
		return
	}

	link := cfg.AppURL + "/#/reset?k=" + base64.StdEncoding.EncodeToString([]byte(u.Email.String))
	name := u.DisplayName.String
	if name == "" {
		name = u.Name
	}
	body := strings.NewReplacer(":name", name, ":link", link).Replace(identityMailBody)

	if err := mailer.Send(ctx, u.Email.String, name, cfg.IdentityMailSubject, body); err != nil {
		// Transport trouble is an infrastructure failure, not a
		// credentials one.
		writeError(w, fmt.Errorf("send identity mail: %w", err))
		return
	}

	Infof("identity mail sent user=%s", u.Name)
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

type resetInput struct {
	Email    string `json:"email" validate:"required,email,max=191"`
	Password string `json:"password" validate:"required,max=191"`
}

// handleReset finishes the recovery flow. The email field carries the
// base64 key from the mailed link, not a plain address.
func handleReset(w http.ResponseWriter, r *http.Request, req authRequest) {
	ctx := r.Context()

	email, err := decodeRecoveryKey(req.Email)
	if err != nil {
		writeError(w, ErrInvalidCredentials)
		return
	}
	if err := checkInput(resetInput{Email: email, Password: req.Password}); err != nil {
		writeError(w, ErrInvalidCredentials)
		return
	}
	if _, err := getUserByEmail(ctx, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrInvalidCredentials
		}
		writeError(w, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := updateUserPassword(ctx, email, string(hash))
	if err != nil {
		writeError(w, err)
		return
	}

	if n != 0 {
		Infof("password reset email=%s", email)
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": n != 0})
}

// decodeRecoveryKey reverses the base64 reset key. URL decoding along the
// way may have turned '+' into spaces and clients sometimes strip padding,
// so both are repaired before decoding.
func decodeRecoveryKey(key string) (string, error) {
	key = strings.ReplaceAll(strings.TrimSpace(key), " ", "+")
	b, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		b, err = base64.RawStdEncoding.DecodeString(key)
	}
	if err != nil || len(b) == 0 {
		return "", ErrInvalidCredentials
	}
	return string(b), nil
}

type registerInput struct {
	Name        string `json:"name" validate:"required,max=191"`
	Email       string `json:"email" validate:"required,email,max=191"`
	Password    string `json:"password" validate:"required,max=191"`
	DisplayName string `json:"display_name" validate:"max=191"`
	Age         int64  `json:"age"`
	Sex         string `json:"sex" validate:"max=32"`
	Locale      string `json:"locale" validate:"max=16"`
}

// registerHandler creates a local password account. No session is issued;
// the caller logs in afterwards.
func registerHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in registerInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, &ValidationError{Message: "malformed JSON body"})
		return
	}
	if err := checkInput(in); err != nil {
		writeError(w, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, err)
		return
	}
	u, err := createUser(ctx, newUserParams{
		Name:         in.Name,
		Email:        in.Email,
		PasswordHash: string(hash),
		DisplayName:  in.DisplayName,
		Age:          in.Age,
		Sex:          in.Sex,
		Locale:       in.Locale,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	Infof("registered user=%s", u.Name)
	respondJSON(w, http.StatusCreated, snapshotUser(u, nil, nil))
}

func mirrorLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, f session.Facts) error {
	sess, err := sessionFromRequest(ctx, w, r)
	if err != nil {
		return err
	}
	return session.Mirror(ctx, sess, f)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Errorf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var (
		verr  *ValidationError
		perr  *oauth.ProviderError
		code  int
		msg   string
		quiet bool
	)
	switch {
	case errors.As(err, &verr):
		code, msg, quiet = http.StatusUnprocessableEntity, verr.Message, true
	case errors.Is(err, oauth.ErrUnsupportedGrant):
		code, msg, quiet = http.StatusBadRequest, "unsupported grant type", true
	case errors.Is(err, oauth.ErrInvalidState):
		code, msg, quiet = http.StatusBadRequest, "invalid state", true
	case errors.Is(err, ErrInvalidCredentials):
		code, msg, quiet = http.StatusUnauthorized, "invalid credentials", true
	case errors.Is(err, oauth.ErrTokenExpired):
		code, msg, quiet = http.StatusUnauthorized, "token expired", true
	case errors.Is(err, token.ErrRevoked), errors.Is(err, token.ErrInvalidToken):
		code, msg, quiet = http.StatusUnauthorized, "invalid token", true
	case errors.As(err, &perr):
		code, msg = http.StatusBadGateway, "authorization server error"
	default:
		code, msg = http.StatusInternalServerError, "internal error"
	}
	if quiet {
		Debugf("request rejected: %v", err)
	} else {
		Errorf("request failed: %v", err)
	}
	respondJSON(w, code, map[string]any{"error": msg})
}
