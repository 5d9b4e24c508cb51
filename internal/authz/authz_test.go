package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/devopscentral/gateway/internal/auth"
	"github.com/devopscentral/gateway/internal/cache"
	gwerrors "github.com/devopscentral/gateway/internal/errors"
	"github.com/devopscentral/gateway/internal/store"
)

type fakeSource struct {
	perms []string
	err   error
	calls int
}

func (f *fakeSource) Permissions(ctx context.Context, id *auth.Identity) ([]string, error) {
	f.calls++
	return f.perms, f.err
}

func caller() *auth.Identity {
	return &auth.Identity{UserID: "u-1", Role: "editor"}
}

func TestEmptyPolicyAlwaysPasses(t *testing.T) {
	c := NewChecker(&fakeSource{}, nil, 0)
	if err := c.Check(context.Background(), nil, nil, store.PermissionAny); err != nil {
		t.Errorf("empty policy should pass even unauthenticated: %v", err)
	}
}

func TestAnyStrategy(t *testing.T) {
	src := &fakeSource{perms: []string{"doc.read"}}
	c := NewChecker(src, nil, 0)
	ctx := context.Background()

	if err := c.Check(ctx, caller(), []string{"doc.read", "doc.write"}, store.PermissionAny); err != nil {
		t.Errorf("any-of policy with one grant should pass: %v", err)
	}
	if err := c.Check(ctx, caller(), []string{"doc.write"}, store.PermissionAny); err != gwerrors.ErrForbidden {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestAllStrategy(t *testing.T) {
	src := &fakeSource{perms: []string{"doc.read", "doc.write"}}
	c := NewChecker(src, nil, 0)
	ctx := context.Background()

	if err := c.Check(ctx, caller(), []string{"doc.read", "doc.write"}, store.PermissionAll); err != nil {
		t.Errorf("all-of policy fully granted should pass: %v", err)
	}
	if err := c.Check(ctx, caller(), []string{"doc.read", "doc.admin"}, store.PermissionAll); err != gwerrors.ErrForbidden {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestSourceFailureDenies(t *testing.T) {
	src := &fakeSource{err: errors.New("backend down")}
	c := NewChecker(src, nil, 0)

	if err := c.Check(context.Background(), caller(), []string{"doc.read"}, store.PermissionAny); err != gwerrors.ErrForbidden {
		t.Errorf("source failure must deny, got %v", err)
	}
}

func TestGrantsCached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	src := &fakeSource{perms: []string{"doc.read"}}
	c := NewChecker(src, cache.NewWithClient(client), 10*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Check(ctx, caller(), []string{"doc.read"}, store.PermissionAny); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if src.calls != 1 {
		t.Errorf("expected one source call with warm cache, got %d", src.calls)
	}

	c.Invalidate(ctx, "u-1")
	if err := c.Check(ctx, caller(), []string{"doc.read"}, store.PermissionAny); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Errorf("invalidate should force a source refetch, got %d calls", src.calls)
	}
}
