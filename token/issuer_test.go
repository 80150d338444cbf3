package token

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestIssuer(t *testing.T) (*Issuer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Issuer{
		DB:         db,
		Secret:     []byte("test-secret"),
		IssuerName: "https://portal.example.com",
		DefaultTTL: 2 * time.Hour,
		Now:        fixedNow,
	}, mock
}

func expectNotRevoked(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT 1 FROM revoked_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
}

func TestIssueAndParseRoundtrip(t *testing.T) {
	iss, mock := newTestIssuer(t)

	res := map[string]any{"Id": float64(7), "Name": "jdoe"}
	raw, err := iss.Issue("7", res, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	expectNotRevoked(mock)
	claims, err := iss.Parse(context.Background(), raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "7" {
		t.Fatalf("Subject = %q", claims.Subject)
	}
	got, ok := claims.Res.(map[string]any)
	if !ok {
		t.Fatalf("Res type %T", claims.Res)
	}
	if got["Name"] != "jdoe" || got["Id"] != float64(7) {
		t.Fatalf("Res = %v", got)
	}
	if claims.Issuer != "https://portal.example.com" {
		t.Fatalf("Issuer = %q", claims.Issuer)
	}
}

func TestIssueDefaultTTL(t *testing.T) {
	iss, _ := newTestIssuer(t)
	raw, err := iss.Issue("1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	claims := decodeUnverified(t, raw)
	if got, want := claims.ExpiresAt.Time, fixedNow().Add(2*time.Hour); !got.Equal(want) {
		t.Fatalf("exp = %v, want %v", got, want)
	}
}

func TestIssueExplicitTTL(t *testing.T) {
	iss, _ := newTestIssuer(t)
	raw, err := iss.Issue("1", nil, 17*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims := decodeUnverified(t, raw)
	if got, want := claims.ExpiresAt.Time, fixedNow().Add(17*time.Minute); !got.Equal(want) {
		t.Fatalf("exp = %v, want %v", got, want)
	}
}

func decodeUnverified(t *testing.T, raw string) *Claims {
	t.Helper()
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return &claims
}

func TestParseRejectsExpired(t *testing.T) {
	iss, _ := newTestIssuer(t)
	raw, err := iss.Issue("1", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	iss.Now = func() time.Time { return fixedNow().Add(time.Hour) }
	if _, err := iss.Parse(context.Background(), raw); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	iss, _ := newTestIssuer(t)
	raw, err := iss.Issue("1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	iss.Secret = []byte("other-secret")
	if _, err := iss.Parse(context.Background(), raw); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseRejectsRevoked(t *testing.T) {
	iss, mock := newTestIssuer(t)
	raw, err := iss.Issue("1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery(`SELECT 1 FROM revoked_tokens`).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	_, err = iss.Parse(context.Background(), raw)
	if !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v, want ErrRevoked", err)
	}
}

func TestInvalidateBlacklistsUntilExpiry(t *testing.T) {
	iss, mock := newTestIssuer(t)
	raw, err := iss.Issue("1", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectExec(`DELETE FROM revoked_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO revoked_tokens`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := iss.Invalidate(context.Background(), raw); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidateSwallowsGarbage(t *testing.T) {
	iss, mock := newTestIssuer(t)
	if err := iss.Invalidate(context.Background(), "not-a-token"); err != nil {
		t.Fatalf("Invalidate garbage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidateSwallowsExpired(t *testing.T) {
	iss, mock := newTestIssuer(t)
	raw, err := iss.Issue("1", nil, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	iss.Now = func() time.Time { return fixedNow().Add(time.Hour) }
	if err := iss.Invalidate(context.Background(), raw); err != nil {
		t.Fatalf("Invalidate expired: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestIsRevokedQueryError(t *testing.T) {
	iss, mock := newTestIssuer(t)
	raw, err := iss.Issue("1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	mock.ExpectQuery(`SELECT 1 FROM revoked_tokens`).
		WillReturnError(sql.ErrConnDone)

	if _, err := iss.Parse(context.Background(), raw); !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("err = %v, want ErrConnDone", err)
	}
}
