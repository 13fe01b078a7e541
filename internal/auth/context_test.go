package auth

import (
	"context"
	"testing"
)

func TestWithAuthAndFromContext(t *testing.T) {
	ac := AuthContext{
		Username: "admin",
		Role:     RoleAdmin,
	}

	ctx := WithAuth(context.Background(), ac)
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected AuthContext in context")
	}
	if got.Username != "admin" {
		t.Errorf("Username = %q, want %q", got.Username, "admin")
	}
	if got.Role != RoleAdmin {
		t.Errorf("Role = %q, want %q", got.Role, RoleAdmin)
	}
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("expected false for missing AuthContext")
	}
}

func TestHelpersWithoutAuth(t *testing.T) {
	ctx := context.Background()
	if got := Username(ctx); got != "" {
		t.Errorf("Username = %q, want empty", got)
	}
	if IsAdmin(ctx) {
		t.Error("IsAdmin = true, want false")
	}
}

func TestIsAdmin(t *testing.T) {
	admin := WithAuth(context.Background(), AuthContext{Username: "a", Role: RoleAdmin})
	if !IsAdmin(admin) {
		t.Error("expected admin")
	}
	user := WithAuth(context.Background(), AuthContext{Username: "b", Role: "user"})
	if IsAdmin(user) {
		t.Error("expected non-admin")
	}
	if got := Username(user); got != "b" {
		t.Errorf("Username = %q, want %q", got, "b")
	}
}
