package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithQuery(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec)
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextWithQuery(""))
	if p.Limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", p.Limit, DefaultLimit)
	}
	if p.Offset != 0 {
		t.Errorf("offset = %d, want 0", p.Offset)
	}
}

func TestFromContext_ExplicitValues(t *testing.T) {
	p := FromContext(contextWithQuery("limit=30&offset=60"))
	if p.Limit != 30 {
		t.Errorf("limit = %d, want 30", p.Limit)
	}
	if p.Offset != 60 {
		t.Errorf("offset = %d, want 60", p.Offset)
	}
}

func TestFromContext_CapsLimit(t *testing.T) {
	p := FromContext(contextWithQuery("limit=5000"))
	if p.Limit != MaxLimit {
		t.Errorf("limit = %d, want %d", p.Limit, MaxLimit)
	}
}

func TestFromContext_RejectsNegatives(t *testing.T) {
	p := FromContext(contextWithQuery("limit=-1&offset=-5"))
	if p.Limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", p.Limit, DefaultLimit)
	}
	if p.Offset != 0 {
		t.Errorf("offset = %d, want 0", p.Offset)
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]int{1, 2}, 10, 2, 0)
	if !r.HasMore {
		t.Error("expected HasMore with 10 total and first page of 2")
	}

	r = NewResponse([]int{1, 2}, 4, 2, 2)
	if r.HasMore {
		t.Error("expected HasMore=false on last page")
	}
}

func TestParams_HasNext(t *testing.T) {
	p := Params{Limit: 10, Offset: 20}
	if !p.HasNext(100) {
		t.Error("expected HasNext")
	}
	if p.HasNext(25) {
		t.Error("expected no next page at total 25")
	}
}

func TestParams_SQL(t *testing.T) {
	p := Params{Limit: 10, Offset: 20}
	if got := p.SQL(); got != "LIMIT 10 OFFSET 20" {
		t.Errorf("SQL() = %q", got)
	}
}
