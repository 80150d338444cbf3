package main

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"account-portal/oauth"
)

func userRow(id int64, name, email, externalID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "email", "password_hash", "display_name", "age", "sex", "external_id", "locale",
	}).AddRow(id, name, email, nil, nil, nil, nil, externalID, nil)
}

func TestMaterializeUserReturnsExisting(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery(`SELECT (.+)\s+FROM users\s+WHERE name`).
		WithArgs("jdoe").
		WillReturnRows(userRow(7, "jdoe", "jdoe@example.com", "ext-1"))

	u, err := materializeUser(context.Background(), oauth.Owner{LoginName: "jdoe"})
	if err != nil {
		t.Fatalf("materializeUser: %v", err)
	}
	if u.ID != 7 || u.Name != "jdoe" {
		t.Fatalf("user = %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMaterializeUserCreatesOnFirstSight(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery(`SELECT (.+)\s+FROM users\s+WHERE name`).
		WithArgs("jdoe").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("jdoe", "jdoe@example.com", "", "J. Doe", int64(33), "f", "ext-1", "").
		WillReturnRows(userRow(8, "jdoe", "jdoe@example.com", "ext-1"))

	u, err := materializeUser(context.Background(), oauth.Owner{
		ID:        "ext-1",
		LoginName: "jdoe",
		RealName:  "J. Doe",
		Email:     "jdoe@example.com",
		Age:       33,
		Sex:       "f",
	})
	if err != nil {
		t.Fatalf("materializeUser: %v", err)
	}
	if u.ID != 8 || u.ExternalID.String != "ext-1" {
		t.Fatalf("user = %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMaterializeUserFallsBackToLoginNameDisplay(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectQuery(`SELECT (.+)\s+FROM users\s+WHERE name`).
		WithArgs("jdoe").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO users`).
		WithArgs("jdoe", "", "", "jdoe", int64(0), "", "ext-1", "").
		WillReturnRows(userRow(8, "jdoe", "", "ext-1"))

	if _, err := materializeUser(context.Background(), oauth.Owner{ID: "ext-1", LoginName: "jdoe"}); err != nil {
		t.Fatalf("materializeUser: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateUserRequiresName(t *testing.T) {
	if _, err := createUser(context.Background(), newUserParams{Name: "  "}); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestUpdateUserPasswordReportsRows(t *testing.T) {
	mock := withMockDB(t)
	mock.ExpectExec(`UPDATE users`).
		WithArgs("jdoe@example.com", "new-hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := updateUserPassword(context.Background(), "jdoe@example.com", "new-hash")
	if err != nil {
		t.Fatalf("updateUserPassword: %v", err)
	}
	if n != 1 {
		t.Fatalf("n = %d", n)
	}
}
