package session

import "context"

// Facts is the reduced set of session facts mirrored at login.
type Facts struct {
	Locale      string
	LoggedName  string
	LoggedUser  any
	AccessToken any // transient; only the OAuth2 path sets it
}

// Mirror writes the login facts into the session and commits. It is a pure
// side-effecting write; failures are the caller's storage errors.
func Mirror(ctx context.Context, sess *Session, f Facts) error {
	if f.AccessToken != nil {
		if err := sess.Set(KeyAccessToken, f.AccessToken); err != nil {
			return err
		}
	}
	if err := sess.Set(KeyLocale, f.Locale); err != nil {
		return err
	}
	if err := sess.Set(KeyLoggedName, f.LoggedName); err != nil {
		return err
	}
	if err := sess.Set(KeyLoggedUser, f.LoggedUser); err != nil {
		return err
	}
	return sess.Save(ctx)
}

// Clear forgets exactly the three login facts and commits.
func Clear(ctx context.Context, sess *Session) error {
	sess.Forget(KeyLocale)
	sess.Forget(KeyLoggedName)
	sess.Forget(KeyLoggedUser)
	return sess.Save(ctx)
}
