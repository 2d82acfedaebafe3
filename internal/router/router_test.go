package router

import (
	"testing"

	"github.com/aegisgw/aegis/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func testTable(t *testing.T, backends ...config.BackendConfig) *Table {
	t.Helper()
	table, err := New(backends)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return table
}

func TestMatchSpecificityOrder(t *testing.T) {
	table := testTable(t,
		config.BackendConfig{Name: "catchall", URL: "http://c:80", Routes: []string{"/api/**"}},
		config.BackendConfig{Name: "wild", URL: "http://w:80", Routes: []string{"/api/users/*"}},
		config.BackendConfig{Name: "param", URL: "http://p:80", Routes: []string{"/api/users/:id"}},
		config.BackendConfig{Name: "exact", URL: "http://e:80", Routes: []string{"/api/users/me"}},
	)

	cases := []struct {
		path string
		want string
	}{
		{"/api/users/me", "exact"},
		{"/api/users/42", "param"}, // param beats * despite both matching
		{"/api/users", "catchall"},
		{"/api/orders/42/items", "catchall"},
	}
	for _, c := range cases {
		m := table.Match(c.path)
		if m == nil {
			t.Errorf("%s: no match, want %s", c.path, c.want)
			continue
		}
		if m.Backend.Name != c.want {
			t.Errorf("%s: matched %s, want %s", c.path, m.Backend.Name, c.want)
		}
	}
}

func TestMatchLongerLiteralPrefixWins(t *testing.T) {
	table := testTable(t,
		config.BackendConfig{Name: "short", URL: "http://s:80", Routes: []string{"/api/**"}},
		config.BackendConfig{Name: "long", URL: "http://l:80", Routes: []string{"/api/v2/**"}},
	)

	if m := table.Match("/api/v2/users"); m == nil || m.Backend.Name != "long" {
		t.Errorf("/api/v2/users matched %v, want long", backendName(m))
	}
	if m := table.Match("/api/v1/users"); m == nil || m.Backend.Name != "short" {
		t.Errorf("/api/v1/users matched %v, want short", backendName(m))
	}
}

func TestMatchNoRoute(t *testing.T) {
	table := testTable(t,
		config.BackendConfig{Name: "users", URL: "http://u:80", Routes: []string{"/users/**"}},
	)
	if m := table.Match("/orders"); m != nil {
		t.Errorf("/orders matched %s, want no route", m.Backend.Name)
	}
}

func TestMatchNormalizesPath(t *testing.T) {
	table := testTable(t,
		config.BackendConfig{Name: "users", URL: "http://u:80", Routes: []string{"/api/users"}},
	)

	for _, path := range []string{"/api/users", "/api/users/", "//api//users"} {
		if m := table.Match(path); m == nil || m.Backend.Name != "users" {
			t.Errorf("%s: matched %v, want users", path, backendName(m))
		}
	}
}

func TestMatchParams(t *testing.T) {
	table := testTable(t,
		config.BackendConfig{Name: "orders", URL: "http://o:80", Routes: []string{"/users/:userId/orders/:orderId"}},
	)

	m := table.Match("/users/42/orders/7")
	if m == nil {
		t.Fatal("expected match")
	}
	if m.Params["userId"] != "42" || m.Params["orderId"] != "7" {
		t.Errorf("params = %v, want userId=42 orderId=7", m.Params)
	}
}

func TestExtractParams(t *testing.T) {
	got := ExtractParams("/users/:id/posts/*", "/users/9/posts/anything")
	if got == nil || got["id"] != "9" {
		t.Errorf("params = %v, want id=9", got)
	}
	if ExtractParams("/users/:id", "/orders/9") != nil {
		t.Error("non-matching path should yield nil params")
	}
}

func TestDoubleStarMidPattern(t *testing.T) {
	table := testTable(t,
		config.BackendConfig{Name: "files", URL: "http://f:80", Routes: []string{"/files/**/meta"}},
	)

	if m := table.Match("/files/a/b/c/meta"); m == nil {
		t.Error("/files/a/b/c/meta should match /files/**/meta")
	}
	if m := table.Match("/files/meta"); m == nil {
		t.Error("** matches zero segments")
	}
	if m := table.Match("/files/a/b"); m != nil {
		t.Error("/files/a/b should not match /files/**/meta")
	}
}

func TestDisabledBackendExcluded(t *testing.T) {
	table := testTable(t,
		config.BackendConfig{Name: "off", URL: "http://o:80", Routes: []string{"/api/**"}, Enabled: boolPtr(false)},
	)
	if m := table.Match("/api/x"); m != nil {
		t.Errorf("disabled backend matched: %s", m.Backend.Name)
	}
	if table.Backend("off") != nil {
		t.Error("disabled backend should not be registered")
	}
}

func TestUpdateSwapsTable(t *testing.T) {
	table := testTable(t,
		config.BackendConfig{Name: "v1", URL: "http://v1:80", Routes: []string{"/api/**"}},
	)

	err := table.Update([]config.BackendConfig{
		{Name: "v2", URL: "http://v2:80", Routes: []string{"/api/**"}},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if m := table.Match("/api/x"); m == nil || m.Backend.Name != "v2" {
		t.Errorf("after update matched %v, want v2", backendName(m))
	}
	if table.Backend("v1") != nil {
		t.Error("old backend should be gone after update")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cases := []config.BackendConfig{
		{Name: "badurl", URL: "://nope", Routes: []string{"/a"}},
		{Name: "badscheme", URL: "ftp://host", Routes: []string{"/a"}},
		{Name: "badroute", URL: "http://ok:80", Routes: []string{"no-slash"}},
		{Name: "badparam", URL: "http://ok:80", Routes: []string{"/a/:"}},
	}
	for _, bc := range cases {
		if _, err := New([]config.BackendConfig{bc}); err == nil {
			t.Errorf("backend %s: expected error", bc.Name)
		}
	}

	if _, err := New([]config.BackendConfig{
		{Name: "dup", URL: "http://a:80", Routes: []string{"/a"}},
		{Name: "dup", URL: "http://b:80", Routes: []string{"/b"}},
	}); err == nil {
		t.Error("duplicate backend names should fail")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/", "/"},
		{"/a/", "/a"},
		{"//a///b//", "/a/b"},
		{"/a/b", "/a/b"},
	}
	for _, c := range cases {
		if got := NormalizePath(c.in); got != c.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func backendName(m *Match) string {
	if m == nil {
		return "<nil>"
	}
	return m.Backend.Name
}
