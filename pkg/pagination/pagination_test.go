package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit}},
		{"limit=5&offset=10", Params{Limit: 5, Offset: 10}},
		{"limit=500", Params{Limit: MaxLimit}},
		{"limit=-3&offset=-1", Params{Limit: DefaultLimit}},
		{"limit=abc&offset=xyz", Params{Limit: DefaultLimit}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if got := paramsFor(tt.query); got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 2})
	if !r.HasMore {
		t.Error("expected HasMore with 1 item left")
	}
	r = NewResponse([]string{"e"}, 5, Params{Limit: 2, Offset: 4})
	if r.HasMore {
		t.Error("expected no more on the last page")
	}
}

func TestNewResponse_NilItemsEncodeAsEmptyArray(t *testing.T) {
	var items []int
	b, err := json.Marshal(NewResponse(items, 0, Params{Limit: DefaultLimit}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", b)
	}
}
