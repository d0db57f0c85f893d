package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

type fakeSource struct {
	mu      sync.Mutex
	plans   map[string]*registry.Plan
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func newFakeSource(plans ...*registry.Plan) *fakeSource {
	s := &fakeSource{plans: make(map[string]*registry.Plan)}
	for _, p := range plans {
		s.plans[p.ID] = p
	}
	return s
}

func (s *fakeSource) GetPlan(ctx context.Context, id string) (*registry.Plan, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans[id].Clone(), nil
}

func (s *fakeSource) GetPlanByPriceID(ctx context.Context, priceID string) (*registry.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.plans {
		for _, id := range p.ProviderPriceIDs {
			if id == priceID {
				return p.Clone(), nil
			}
		}
	}
	return nil, nil
}

func (s *fakeSource) set(p *registry.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
}

func newTestCatalog(t *testing.T, src Source) *Catalog {
	t.Helper()
	c, err := New(src, Config{Size: 8, TTL: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGetCachesPlans(t *testing.T) {
	src := newFakeSource(&registry.Plan{ID: "pro", Name: "Pro"})
	c := newTestCatalog(t, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.Get(ctx, "pro")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if p == nil || p.Name != "Pro" {
			t.Fatalf("unexpected plan %+v", p)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("source calls = %d, want 1", got)
	}
}

func TestGetMissIsNotCached(t *testing.T) {
	src := newFakeSource()
	c := newTestCatalog(t, src)

	p, err := c.Get(context.Background(), "ghost")
	if err != nil || p != nil {
		t.Fatalf("Get(ghost) = %+v, %v; want nil, nil", p, err)
	}
	src.set(&registry.Plan{ID: "ghost", Name: "Ghost"})
	p, err = c.Get(context.Background(), "ghost")
	if err != nil || p == nil {
		t.Fatalf("expected plan after it was created, got %+v, %v", p, err)
	}
}

func TestGetExpiresAfterTTL(t *testing.T) {
	src := newFakeSource(&registry.Plan{ID: "pro", Name: "Pro"})
	c := newTestCatalog(t, src)
	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.Get(context.Background(), "pro"); err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := c.Get(context.Background(), "pro"); err != nil {
		t.Fatal(err)
	}
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("source calls = %d, want 2 after TTL expiry", got)
	}
}

func TestInvalidateReloads(t *testing.T) {
	src := newFakeSource(&registry.Plan{ID: "pro", Name: "Pro"})
	c := newTestCatalog(t, src)
	ctx := context.Background()

	if _, err := c.Get(ctx, "pro"); err != nil {
		t.Fatal(err)
	}
	src.set(&registry.Plan{ID: "pro", Name: "Pro v2"})
	c.Invalidate("pro")

	p, err := c.Get(ctx, "pro")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Pro v2" {
		t.Fatalf("Name = %q, want Pro v2", p.Name)
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Fatalf("Len = %d after InvalidateAll", c.Len())
	}
}

func TestGetReturnsCopies(t *testing.T) {
	src := newFakeSource(&registry.Plan{ID: "pro", Features: []string{"export"}})
	c := newTestCatalog(t, src)
	ctx := context.Background()

	p, _ := c.Get(ctx, "pro")
	p.Features[0] = "tampered"

	again, _ := c.Get(ctx, "pro")
	if again.Features[0] != "export" {
		t.Fatalf("cached plan was mutated through a returned copy: %v", again.Features)
	}
}

func TestConcurrentMissesCollapse(t *testing.T) {
	src := newFakeSource(&registry.Plan{ID: "pro"})
	src.release = make(chan struct{})
	c := newTestCatalog(t, src)

	const n = 10
	var started, wg sync.WaitGroup
	started.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			if _, err := c.Get(context.Background(), "pro"); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	if got := src.calls.Load(); got > 2 {
		t.Fatalf("source calls = %d, expected concurrent misses to collapse", got)
	}
}

func TestGetPropagatesSourceErrors(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("database is locked")
	c := newTestCatalog(t, src)

	if _, err := c.Get(context.Background(), "pro"); err == nil {
		t.Fatal("expected error")
	}
}

func TestByPriceID(t *testing.T) {
	src := newFakeSource(&registry.Plan{ID: "pro", ProviderPriceIDs: []string{"price_123"}})
	c := newTestCatalog(t, src)

	p, err := c.ByPriceID(context.Background(), "price_123")
	if err != nil || p == nil || p.ID != "pro" {
		t.Fatalf("ByPriceID = %+v, %v", p, err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected price lookup to warm the cache")
	}
	p, err = c.ByPriceID(context.Background(), "price_unknown")
	if err != nil || p != nil {
		t.Fatalf("unknown price = %+v, %v", p, err)
	}
}
