package router

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/devopscentral/gateway/internal/store"
)

// Match is the result of routing a request.
type Match struct {
	Route      *store.Route
	PathParams map[string]string
}

// Table is the in-memory route index. Reads are lock-free snapshots; Rebuild
// atomically replaces the snapshot from a fresh route-store listing.
type Table struct {
	snapshot atomic.Value // *index
}

// NewTable creates an empty route table.
func NewTable() *Table {
	t := &Table{}
	t.snapshot.Store(newIndex(nil))
	return t
}

// Rebuild replaces the index with one built from the given routes.
func (t *Table) Rebuild(routes []store.Route) {
	t.snapshot.Store(newIndex(routes))
}

// Match returns the active route of highest priority whose pattern and
// method match, or nil when no route matches.
func (t *Table) Match(method, path string) *Match {
	return t.snapshot.Load().(*index).match(method, path)
}

// Len returns the number of indexed routes.
func (t *Table) Len() int {
	return t.snapshot.Load().(*index).count
}

// index is an immutable routing structure: a segment trie over normalized
// path shapes. Patterns are normalized to positional parameter names before
// insertion so two patterns with the same shape (e.g. /a/:id and /a/:name)
// share one trie terminal; candidates within one shape are ordered by
// priority. Overlapping shapes are legal: a static segment always beats a
// parameter at the same position, with backtracking when the static branch
// dead-ends deeper in the path.
type index struct {
	root   *node
	groups map[string]*routeGroup
	count  int
}

// node is one trie level: exact segments branch through static, a parameter
// at this position branches through param. A terminal node carries the
// routeGroup for the shape ending here.
type node struct {
	static map[string]*node
	param  *node
	group  *routeGroup
}

// entry pairs a route with the parameter names of its pattern, in segment
// order, so positional params can be renamed after a match.
type entry struct {
	route      *store.Route
	paramNames []string
}

// routeGroup holds all routes sharing one normalized path shape, sorted by
// priority descending, then id ascending (insertion order).
type routeGroup struct {
	entries []entry
}

func newIndex(routes []store.Route) *index {
	idx := &index{
		root:   &node{},
		groups: make(map[string]*routeGroup),
	}

	for i := range routes {
		route := &routes[i]
		normalized, names := normalizePattern(route.PathPattern)

		group, exists := idx.groups[normalized]
		if !exists {
			group = &routeGroup{}
			idx.groups[normalized] = group
			idx.root.insert(splitPath(normalized), group)
		}
		group.entries = append(group.entries, entry{route: route, paramNames: names})
		idx.count++
	}

	for _, group := range idx.groups {
		sort.SliceStable(group.entries, func(i, j int) bool {
			ri, rj := group.entries[i].route, group.entries[j].route
			if ri.Priority != rj.Priority {
				return ri.Priority > rj.Priority
			}
			return ri.ID < rj.ID
		})
	}
	return idx
}

func (idx *index) match(method, path string) *Match {
	group, values := idx.root.lookup(splitPath(path), nil)
	if group == nil {
		return nil
	}

	for _, e := range group.entries {
		if e.route.Method != store.MethodAny && e.route.Method != method {
			continue
		}
		pathParams := make(map[string]string, len(values))
		for i, v := range values {
			if i < len(e.paramNames) {
				pathParams[e.paramNames[i]] = v
			}
		}
		return &Match{Route: e.route, PathParams: pathParams}
	}
	return nil
}

func (n *node) insert(segments []string, group *routeGroup) {
	if len(segments) == 0 {
		n.group = group
		return
	}
	seg := segments[0]
	if strings.HasPrefix(seg, ":") {
		if n.param == nil {
			n.param = &node{}
		}
		n.param.insert(segments[1:], group)
		return
	}
	if n.static == nil {
		n.static = make(map[string]*node)
	}
	child := n.static[seg]
	if child == nil {
		child = &node{}
		n.static[seg] = child
	}
	child.insert(segments[1:], group)
}

// lookup walks the trie preferring static children, backtracking into the
// parameter branch when the static branch dead-ends. Parameter values are
// collected positionally. Empty segments never bind a parameter, so a
// trailing slash is not an implicit match.
func (n *node) lookup(segments []string, values []string) (*routeGroup, []string) {
	if len(segments) == 0 {
		if n.group != nil {
			return n.group, values
		}
		return nil, nil
	}

	seg := segments[0]
	if child, ok := n.static[seg]; ok {
		if group, v := child.lookup(segments[1:], values); group != nil {
			return group, v
		}
	}
	if n.param != nil && seg != "" {
		if group, v := n.param.lookup(segments[1:], append(values, seg)); group != nil {
			return group, v
		}
	}
	return nil, nil
}

// splitPath breaks a path into segments. The root path is zero segments.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// normalizePattern rewrites named parameters to positional ones (:p0, :p1, …)
// and returns the original names in order. Supports both :name and {name}
// parameter syntax.
func normalizePattern(pattern string) (string, []string) {
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}

	segments := strings.Split(pattern, "/")
	var names []string
	for i, seg := range segments {
		var name string
		switch {
		case strings.HasPrefix(seg, ":"):
			name = seg[1:]
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") && len(seg) > 2:
			name = seg[1 : len(seg)-1]
		default:
			continue
		}
		segments[i] = ":p" + itoa(len(names))
		names = append(names, name)
	}
	return strings.Join(segments, "/"), names
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
