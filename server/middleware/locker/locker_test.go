package locker_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/adcstream/generichttp"
	"github.com/nasa-jpl/adcstream/server/middleware/locker"
)

type table generichttp.RouteTable2

func (t table) RT() generichttp.RouteTable2 { return generichttp.RouteTable2(t) }

func TestLockRefusesWrites(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	rt := table{
		{Method: http.MethodPost, Path: "/start"}: ok,
		{Method: http.MethodGet, Path: "/data"}:   ok,
	}
	l := locker.New()
	locker.Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}
	if code := do(http.MethodPost, "/lock", `{"bool":true}`); code != http.StatusOK {
		t.Fatalf("locking: %d", code)
	}
	if code := do(http.MethodPost, "/start", ""); code != http.StatusLocked {
		t.Errorf("POST while locked: expected 423, got %d", code)
	}
	if code := do(http.MethodGet, "/data", ""); code != http.StatusOK {
		t.Errorf("GET while locked: expected 200, got %d", code)
	}
	if code := do(http.MethodPost, "/lock", `{"bool":false}`); code != http.StatusOK {
		t.Fatalf("unlocking: %d", code)
	}
	if code := do(http.MethodPost, "/start", ""); code != http.StatusOK {
		t.Errorf("POST after unlock: expected 200, got %d", code)
	}
}
