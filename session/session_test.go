package session

import (
	"testing"

	"sonic-sentinel/models"
)

func TestStaticRequiresUserID(t *testing.T) {
	t.Parallel()

	if _, ok := Anonymous.CurrentUser(); ok {
		t.Fatalf("anonymous provider returned a user")
	}
	if _, ok := (Static{User: &models.User{}}).CurrentUser(); ok {
		t.Fatalf("user without id accepted")
	}

	p := Static{User: &models.User{ID: "u1", Username: "ana"}, Token: "tok"}
	u, ok := p.CurrentUser()
	if !ok || u.ID != "u1" || p.AuthToken() != "tok" {
		t.Fatalf("CurrentUser = %+v, %v", u, ok)
	}
	u.ID = "changed"
	if again, _ := p.CurrentUser(); again.ID != "u1" {
		t.Fatalf("CurrentUser leaked the stored user")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SENTINEL_USER", "")
	if _, ok := FromEnv().CurrentUser(); ok {
		t.Fatalf("empty SENTINEL_USER should be anonymous")
	}

	t.Setenv("SENTINEL_USER", "u9")
	t.Setenv("SENTINEL_AUTH_TOKEN", "secret")
	p := FromEnv()
	u, ok := p.CurrentUser()
	if !ok || u.ID != "u9" || p.AuthToken() != "secret" {
		t.Fatalf("FromEnv = %+v, %v, %q", u, ok, p.AuthToken())
	}
}
