package router

import (
	"testing"

	"github.com/devopscentral/gateway/internal/store"
)

func route(id int64, pattern, method string, priority int) store.Route {
	return store.Route{
		ID:          id,
		ServiceName: "svc",
		PathPattern: pattern,
		Method:      method,
		Priority:    priority,
		IsActive:    true,
		Status:      store.RouteStatusActive,
	}
}

func TestMatchExactPath(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/users", "GET", 0),
	})

	m := tbl.Match("GET", "/api/v1/users")
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Route.ID != 1 {
		t.Errorf("expected route 1, got %d", m.Route.ID)
	}

	if tbl.Match("GET", "/api/v1/orders") != nil {
		t.Error("expected no match for unknown path")
	}
}

func TestMatchPathParams(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/users/:id", "GET", 0),
	})

	m := tbl.Match("GET", "/api/v1/users/42")
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.PathParams["id"] != "42" {
		t.Errorf("expected id=42, got %v", m.PathParams)
	}
}

func TestMethodFiltering(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/users", "GET", 0),
		route(2, "/api/v1/users", "POST", 0),
	})

	if m := tbl.Match("GET", "/api/v1/users"); m == nil || m.Route.ID != 1 {
		t.Errorf("GET should match route 1, got %+v", m)
	}
	if m := tbl.Match("POST", "/api/v1/users"); m == nil || m.Route.ID != 2 {
		t.Errorf("POST should match route 2, got %+v", m)
	}
	if m := tbl.Match("DELETE", "/api/v1/users"); m != nil {
		t.Errorf("DELETE should not match, got route %d", m.Route.ID)
	}
}

func TestAnyMethodMatchesAll(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/orders", store.MethodAny, 0),
	})

	for _, method := range []string{"GET", "POST", "PUT", "DELETE", "PATCH"} {
		if m := tbl.Match(method, "/api/v1/orders"); m == nil {
			t.Errorf("%s should match an ANY route", method)
		}
	}
}

func TestPriorityWinsOnOverlap(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/items/:id", "GET", 0),
		route(2, "/api/v1/items/:key", "GET", 10),
	})

	m := tbl.Match("GET", "/api/v1/items/7")
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Route.ID != 2 {
		t.Errorf("expected higher-priority route 2, got %d", m.Route.ID)
	}
	// Params renamed per the winning route's pattern
	if m.PathParams["key"] != "7" {
		t.Errorf("expected key=7, got %v", m.PathParams)
	}
}

func TestInsertionOrderBreaksPriorityTies(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(5, "/api/v1/things/:id", store.MethodAny, 3),
		route(2, "/api/v1/things/:id", "GET", 3),
	})

	m := tbl.Match("GET", "/api/v1/things/1")
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Route.ID != 2 {
		t.Errorf("expected earliest-inserted route 2, got %d", m.Route.ID)
	}
}

func TestStaticSegmentBeatsParam(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/users/:id", "GET", 100),
		route(2, "/api/v1/users/profile", "GET", 0),
	})

	m := tbl.Match("GET", "/api/v1/users/profile")
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Route.ID != 2 {
		t.Errorf("static segment should win regardless of priority, got route %d", m.Route.ID)
	}
}

func TestOverlappingShapesCoexist(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/users/:id", "GET", 0),
		route(2, "/api/v1/users/profile", "GET", 0),
		route(3, "/api/v1/users", "GET", 0),
		route(4, "/api/v1/users/:id/orders", "GET", 0),
	})

	cases := []struct {
		path string
		want int64
	}{
		{"/api/v1/users/42", 1},
		{"/api/v1/users/profile", 2},
		{"/api/v1/users", 3},
		{"/api/v1/users/42/orders", 4},
	}
	for _, tc := range cases {
		m := tbl.Match("GET", tc.path)
		if m == nil {
			t.Fatalf("%s: expected a match", tc.path)
		}
		if m.Route.ID != tc.want {
			t.Errorf("%s: expected route %d, got %d", tc.path, tc.want, m.Route.ID)
		}
	}
}

func TestStaticDeadEndBacktracksToParam(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/files/static/info", "GET", 0),
		route(2, "/files/:name/meta", "GET", 0),
	})

	m := tbl.Match("GET", "/files/static/meta")
	if m == nil {
		t.Fatal("expected the param shape to match after the static branch dead-ends")
	}
	if m.Route.ID != 2 {
		t.Errorf("expected route 2, got %d", m.Route.ID)
	}
	if m.PathParams["name"] != "static" {
		t.Errorf("expected name=static, got %v", m.PathParams)
	}
}

func TestTrailingSlashIsAMiss(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/users/:id", "GET", 0),
	})

	if tbl.Match("GET", "/api/v1/users/42/") != nil {
		t.Error("trailing slash should not match")
	}
	if tbl.Match("GET", "/api/v1/users/") != nil {
		t.Error("empty segment should not bind a parameter")
	}
}

func TestMatchDeterminism(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/a/:x", "GET", 1),
		route(2, "/api/v1/a/:y", "GET", 1),
		route(3, "/api/v1/a/:z", store.MethodAny, 1),
	})

	first := tbl.Match("GET", "/api/v1/a/1")
	if first == nil {
		t.Fatal("expected a match")
	}
	for i := 0; i < 50; i++ {
		m := tbl.Match("GET", "/api/v1/a/1")
		if m == nil || m.Route.ID != first.Route.ID {
			t.Fatalf("iteration %d: non-deterministic match", i)
		}
	}
}

func TestRebuildSwapsSnapshot(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{route(1, "/old", "GET", 0)})

	if tbl.Match("GET", "/old") == nil {
		t.Fatal("expected /old to match before rebuild")
	}

	tbl.Rebuild([]store.Route{route(2, "/new", "GET", 0)})

	if tbl.Match("GET", "/old") != nil {
		t.Error("expected /old gone after rebuild")
	}
	if m := tbl.Match("GET", "/new"); m == nil || m.Route.ID != 2 {
		t.Error("expected /new to match after rebuild")
	}
	if tbl.Len() != 1 {
		t.Errorf("expected 1 indexed route, got %d", tbl.Len())
	}
}

func TestCurlyBraceParamSyntax(t *testing.T) {
	tbl := NewTable()
	tbl.Rebuild([]store.Route{
		route(1, "/api/v1/docs/{docId}/pages/{pageId}", "GET", 0),
	})

	m := tbl.Match("GET", "/api/v1/docs/d1/pages/p2")
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.PathParams["docId"] != "d1" || m.PathParams["pageId"] != "p2" {
		t.Errorf("unexpected params %v", m.PathParams)
	}
}
