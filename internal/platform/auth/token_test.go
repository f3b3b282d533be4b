package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/n3health/pix/internal/platform/fault"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewInMemoryTokenStore())
}

func TestIssueAndAuthorize(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	token, raw, err := m.Issue(ctx, "city-hospital-mis", []string{"1.2.643.100"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if raw == "" {
		t.Fatal("expected raw token")
	}
	if token.Status != "active" {
		t.Errorf("status = %q, want active", token.Status)
	}

	caller, err := m.Authorize(ctx, raw, "1.2.643.100")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if caller.OrgID != "1.2.643.100" {
		t.Errorf("caller org = %q", caller.OrgID)
	}
	if caller.Name != "city-hospital-mis" {
		t.Errorf("caller name = %q", caller.Name)
	}
}

func TestAuthorize_EmptyTokenRejectedFirst(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	// Even with an empty org the missing token must be the reported failure.
	_, err := m.Authorize(ctx, "", "")
	var f *fault.Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected fault, got %v", err)
	}
	if f.ErrorCode != fault.CodeInvalidSystem {
		t.Errorf("errorCode = %d, want %d", f.ErrorCode, fault.CodeInvalidSystem)
	}

	_, err = m.Authorize(ctx, "   ", "1.2.643.100")
	if !errors.As(err, &f) || f.ErrorCode != fault.CodeInvalidSystem {
		t.Errorf("whitespace token: got %v", err)
	}
}

func TestAuthorize_UnknownToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Authorize(ctx, "not-a-real-guid", "1.2.643.100")
	var f *fault.Fault
	if !errors.As(err, &f) || f.ErrorCode != fault.CodeInvalidSystem {
		t.Fatalf("expected invalid-system fault, got %v", err)
	}
}

func TestAuthorize_RevokedToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	token, raw, err := m.Issue(ctx, "mis", []string{"*"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := m.Revoke(ctx, token.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, err = m.Authorize(ctx, raw, "1.2.643.100")
	var f *fault.Fault
	if !errors.As(err, &f) || f.ErrorCode != fault.CodeInvalidSystem {
		t.Fatalf("expected invalid-system fault, got %v", err)
	}

	// Revoking again is idempotent.
	if err := m.Revoke(ctx, token.ID); err != nil {
		t.Errorf("second Revoke: %v", err)
	}
}

func TestAuthorize_ExpiredToken(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	past := time.Now().Add(-time.Hour)
	_, raw, err := m.Issue(ctx, "mis", []string{"*"}, &past)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = m.Authorize(ctx, raw, "1.2.643.100")
	var f *fault.Fault
	if !errors.As(err, &f) || f.ErrorCode != fault.CodeInvalidSystem {
		t.Fatalf("expected invalid-system fault, got %v", err)
	}
}

func TestAuthorize_OrgScopeEnforced(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, raw, err := m.Issue(ctx, "mis", []string{"1.2.643.100"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := m.Authorize(ctx, raw, "1.2.643.100"); err != nil {
		t.Errorf("in-scope org rejected: %v", err)
	}

	_, err = m.Authorize(ctx, raw, "9.9.9.9")
	var f *fault.Fault
	if !errors.As(err, &f) || f.ErrorCode != fault.CodeInvalidSystem {
		t.Fatalf("expected invalid-system fault for out-of-scope org, got %v", err)
	}
}

func TestAuthorize_WildcardScope(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, raw, err := m.Issue(ctx, "regional-registry", []string{"*"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := m.Authorize(ctx, raw, "any.org.at.all"); err != nil {
		t.Errorf("wildcard scope rejected org: %v", err)
	}
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	old, oldRaw, err := m.Issue(ctx, "mis", []string{"1.2.643.100"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	fresh, freshRaw, err := m.Rotate(ctx, old.ID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if freshRaw == oldRaw {
		t.Error("rotated token reused raw value")
	}
	if fresh.Name != old.Name {
		t.Errorf("rotated name = %q, want %q", fresh.Name, old.Name)
	}

	if _, err := m.Authorize(ctx, oldRaw, "1.2.643.100"); err == nil {
		t.Error("old token still authorizes after rotation")
	}
	if _, err := m.Authorize(ctx, freshRaw, "1.2.643.100"); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	token, raw, err := m.Issue(ctx, "mis", []string{"1.2.643.100"}, nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := m.Delete(ctx, token.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Authorize(ctx, raw, "1.2.643.100"); err == nil {
		t.Error("deleted token still authorizes")
	}
	if err := m.Delete(ctx, token.ID); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("second delete = %v, want ErrTokenNotFound", err)
	}
}

func TestInMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTokenStore()

	orig := &AccessToken{
		ID:        "tok-1",
		Name:      "mis",
		TokenHash: "hash-1",
		OrgScopes: []string{"a"},
		Status:    "active",
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, orig); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutating the original after Create must not affect the store.
	orig.OrgScopes[0] = "mutated"

	got, err := store.GetByID(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.OrgScopes[0] != "a" {
		t.Errorf("store leaked caller mutation: %q", got.OrgScopes[0])
	}

	// Mutating the returned copy must not affect the store either.
	got.Status = "revoked"
	again, _ := store.GetByID(ctx, "tok-1")
	if again.Status != "active" {
		t.Errorf("store leaked read copy mutation: %q", again.Status)
	}
}

func TestInMemoryStore_ListPagination(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTokenStore()

	for i := 0; i < 5; i++ {
		tok := &AccessToken{
			ID:        string(rune('a' + i)),
			TokenHash: string(rune('h' + i)),
			Status:    "active",
			CreatedAt: time.Now(),
		}
		if err := store.Create(ctx, tok); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	page, total, err := store.List(ctx, 2, 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if page[0].ID != "b" || page[1].ID != "c" {
		t.Errorf("page = [%s %s], want [b c]", page[0].ID, page[1].ID)
	}
}
