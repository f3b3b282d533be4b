package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/n3health/pix/internal/platform/fault"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func adminRequest(t *testing.T, header string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/admin/merge", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := AdminJWT(testSecret)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return rec, h(c)
}

func assertRejected(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var f fault.Fault
	if err := json.Unmarshal(rec.Body.Bytes(), &f); err != nil {
		t.Fatalf("unmarshal fault: %v", err)
	}
	if f.ErrorCode != fault.CodeInvalidSystem {
		t.Errorf("errorCode = %d, want %d", f.ErrorCode, fault.CodeInvalidSystem)
	}
}

func TestAdminJWT_ValidToken(t *testing.T) {
	raw, err := NewAdminToken(testSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("NewAdminToken: %v", err)
	}

	rec, err := adminRequest(t, "Bearer "+raw)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAdminJWT_MissingHeader(t *testing.T) {
	rec, err := adminRequest(t, "")
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	assertRejected(t, rec)
}

func TestAdminJWT_WrongSecret(t *testing.T) {
	raw, err := NewAdminToken("another-secret-another-secret-32", "ops", time.Minute)
	if err != nil {
		t.Fatalf("NewAdminToken: %v", err)
	}
	rec, err := adminRequest(t, "Bearer "+raw)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	assertRejected(t, rec)
}

func TestAdminJWT_ExpiredToken(t *testing.T) {
	raw, err := NewAdminToken(testSecret, "ops", -time.Minute)
	if err != nil {
		t.Fatalf("NewAdminToken: %v", err)
	}
	rec, err := adminRequest(t, "Bearer "+raw)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	assertRejected(t, rec)
}

func TestParseAdminToken_Roles(t *testing.T) {
	raw, err := NewAdminToken(testSecret, "ops", time.Minute)
	if err != nil {
		t.Fatalf("NewAdminToken: %v", err)
	}
	claims, err := ParseAdminToken(testSecret, raw)
	if err != nil {
		t.Fatalf("ParseAdminToken: %v", err)
	}
	if !claims.HasRole("admin") {
		t.Error("expected admin role")
	}
	if claims.HasRole("superuser") {
		t.Error("unexpected superuser role")
	}
	if claims.Subject != "ops" {
		t.Errorf("subject = %q", claims.Subject)
	}
}
