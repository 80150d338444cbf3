package main

import (
	"strings"
	"testing"
)

func TestCheckInputUsesJSONNames(t *testing.T) {
	err := checkInput(loginInput{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("err type %T", err)
	}
	if !strings.Contains(verr.Message, "email is required") {
		t.Fatalf("message = %q", verr.Message)
	}
	if !strings.Contains(verr.Message, "password is required") {
		t.Fatalf("message = %q", verr.Message)
	}
}

func TestCheckInputEmailRule(t *testing.T) {
	err := checkInput(loginInput{Email: "not-an-email", Password: "pw"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "valid email") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestCheckInputMaxRule(t *testing.T) {
	err := checkInput(loginInput{
		Email:    "jdoe@example.com",
		Password: strings.Repeat("x", 200),
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "at most 191") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestCheckInputValid(t *testing.T) {
	if err := checkInput(loginInput{Email: "jdoe@example.com", Password: "hunter2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
