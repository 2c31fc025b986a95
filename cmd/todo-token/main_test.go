package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/yoga-python/coding-projects-todo/api"
)

func TestMintTokenAcceptedByLocalAuth(t *testing.T) {
	tok, err := mintToken("shared", " u1 ", tokenOptions{name: "Ada", ttl: time.Hour}, time.Now())
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	auth := api.NewAuth(api.AuthConfig{SharedSecret: []byte("shared")})
	uid, err := auth.UserIDFromAuthHeader("Bearer " + tok)
	if err != nil || uid != "u1" {
		t.Fatalf("UserIDFromAuthHeader = %q, %v", uid, err)
	}
}

func TestMintTokenExpired(t *testing.T) {
	tok, err := mintToken("shared", "u1", tokenOptions{ttl: time.Minute}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	auth := api.NewAuth(api.AuthConfig{SharedSecret: []byte("shared")})
	if _, err := auth.UserIDFromAuthHeader("Bearer " + tok); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestMintTokenValidation(t *testing.T) {
	cases := []struct {
		name, secret, user string
		ttl                time.Duration
	}{
		{"no secret", "", "u1", time.Hour},
		{"no user", "shared", "  ", time.Hour},
		{"bad ttl", "shared", "u1", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mintToken(tc.secret, tc.user, tokenOptions{ttl: tc.ttl}, time.Now()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestRootCmdPrintsToken(t *testing.T) {
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "shared")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--name", "Ada", "u1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	auth := api.NewAuth(api.AuthConfig{SharedSecret: []byte("shared")})
	if uid, err := auth.UserIDFromAuthHeader("Bearer " + out.String()); err != nil || uid != "u1" {
		t.Fatalf("printed token not accepted: %q, %v", uid, err)
	}
}
