package scheduler_test

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/domain/fleet"
	"github.com/sword-epi/spectra/internal/domain/scheduler"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/gateway/gatewaytest"
	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/store"
)

type fixture struct {
	store    *store.Store
	registry *accounts.Registry
	manager  *fleet.Manager
}

func newFixture(t *testing.T, handles ...string) *fixture {
	t.Helper()
	now := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	s, err := store.Open(filepath.Join(t.TempDir(), "sched.db"), store.WithClock(clock.Fixed(now)))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	seeds := make([]store.AccountState, 0, len(handles))
	creds := make([]gateway.Credentials, 0, len(handles))
	for _, h := range handles {
		seeds = append(seeds, store.AccountState{SessionHandle: h, APIID: 1, APIHash: "x"})
		creds = append(creds, gateway.Credentials{APIID: 1, APIHash: "x", SessionHandle: h})
	}
	reg, err := accounts.NewRegistry(context.Background(), s, seeds, clock.Fixed(now))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	rot := accounts.NewRotator(reg, accounts.PolicySequential)
	mgr := fleet.NewManager(gatewaytest.NewConnector(), reg, rot, creds, fleet.RotatePerOperation)
	return &fixture{store: s, registry: reg, manager: mgr}
}

func targetsN(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "@t" + string(rune('a'+i))
	}
	return out
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1", "a2", "a3")
	sched := scheduler.New(fx.manager, fx.registry, fx.store, 3)

	var inFlight, peak int64
	var perAccount sync.Map
	start := time.Now()
	results := sched.ExecuteParallel(context.Background(), "test", targetsN(10),
		func(_ context.Context, gw gateway.Gateway, _ string) (any, error) {
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			cnt, _ := perAccount.LoadOrStore(gw.SessionHandle(), new(int64))
			if atomic.AddInt64(cnt.(*int64), 1) > 1 {
				t.Errorf("account %s has two in-flight tasks", gw.SessionHandle())
			}
			time.Sleep(100 * time.Millisecond)
			atomic.AddInt64(cnt.(*int64), -1)
			atomic.AddInt64(&inFlight, -1)
			return "ok", nil
		})
	elapsed := time.Since(start)

	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	for target, r := range results {
		if r.Err != nil {
			t.Errorf("%s: %v", target, r.Err)
		}
	}
	if p := atomic.LoadInt64(&peak); p > 3 {
		t.Errorf("in-flight peak %d exceeds maxConcurrent", p)
	}
	// ⌈10/3⌉ волны по 100 мс.
	if elapsed < 300*time.Millisecond {
		t.Errorf("finished too fast for the bound: %v", elapsed)
	}
}

func TestDurableTaskRecords(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1")
	sched := scheduler.New(fx.manager, fx.registry, fx.store, 1)

	sched.ExecuteParallel(context.Background(), "probe", []string{"@x", "@y"},
		func(_ context.Context, _ gateway.Gateway, target string) (any, error) {
			if target == "@y" {
				return nil, gateway.ErrChannelPrivate
			}
			return map[string]int64{"channel": 5}, nil
		})

	// Все задачи терминальны: in-flight записей не осталось.
	inflight, err := fx.store.InFlightTasks(context.Background())
	if err != nil {
		t.Fatalf("InFlightTasks: %v", err)
	}
	if len(inflight) != 0 {
		t.Errorf("dangling in-flight tasks: %+v", inflight)
	}
}

func TestFloodWaitCooldownHour(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1", "a2")
	sched := scheduler.New(fx.manager, fx.registry, fx.store, 2)

	sched.ExecuteParallel(context.Background(), "probe", []string{"@x"},
		func(_ context.Context, gw gateway.Gateway, _ string) (any, error) {
			if gw.SessionHandle() == "a1" {
				return nil, &gateway.FloodWaitError{Seconds: 30}
			}
			return nil, &gateway.FloodWaitError{Seconds: 30}
		})

	// Аккаунт, словивший flood, получает часовой кулдаун, не 30 секунд.
	now := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	found := false
	for _, a := range fx.registry.Stats() {
		if a.FloodWaitCount > 0 {
			found = true
			if !a.CooldownUntil.Equal(now.Add(time.Hour)) {
				t.Errorf("flood-class cooldown: got %v, want %v", a.CooldownUntil, now.Add(time.Hour))
			}
		}
	}
	if !found {
		t.Fatal("no account recorded the flood wait")
	}
}

func TestCancellationStopsDispatch(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1")
	sched := scheduler.New(fx.manager, fx.registry, fx.store, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var executed int64
	results := sched.ExecuteParallel(ctx, "slow", targetsN(5),
		func(_ context.Context, _ gateway.Gateway, _ string) (any, error) {
			atomic.AddInt64(&executed, 1)
			cancel() // первая задача отменяет проход
			return "ok", nil
		})

	if got := atomic.LoadInt64(&executed); got != 1 {
		t.Errorf("executed %d tasks after cancel", got)
	}
	cancelled := 0
	for _, r := range results {
		if r.Err == context.Canceled {
			cancelled++
		}
	}
	if cancelled != 4 {
		t.Errorf("expected 4 cancelled targets, got %d (results %v)", cancelled, results)
	}
}

type fakeCrawler struct {
	mu    sync.Mutex
	graph map[string][]string
	seen  []string
}

func (f *fakeCrawler) CrawlSeed(_ context.Context, _ gateway.Gateway, seed string, _, _ int) ([]string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, seed)
	f.mu.Unlock()
	return f.graph[seed], nil
}

func TestParallelDiscoverBFS(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1", "a2")
	sched := scheduler.New(fx.manager, fx.registry, fx.store, 2)

	crawler := &fakeCrawler{graph: map[string][]string{
		"@A": {"@B", "@C"},
		"@B": {"@D", "@A"}, // обратная ссылка на @A не должна перепосещаться
	}}
	results := sched.ParallelDiscover(context.Background(), crawler, []string{"@A"}, 2, 100)

	var seen []string
	crawler.mu.Lock()
	seen = append(seen, crawler.seen...)
	crawler.mu.Unlock()
	sort.Strings(seen)
	want := []string{"@A", "@B", "@C"}
	if len(seen) != len(want) {
		t.Fatalf("crawled seeds: %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("crawled seeds: %v, want %v", seen, want)
		}
	}
	// Глубина 2 исчерпана: @D найден, но не краулился (стал бы глубиной 3).
	if _, ok := results["@D"]; ok {
		t.Error("@D must not be crawled at depth limit")
	}
	if r := results["@A"]; r.Err != nil {
		t.Errorf("@A result: %v", r.Err)
	}
}

func TestParallelJoinReturnsEntities(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1")
	sched := scheduler.New(fx.manager, fx.registry, fx.store, 1)

	results := sched.ParallelJoin(context.Background(), []string{"@one", "@two"})
	if len(results) != 2 {
		t.Fatalf("results: %v", results)
	}
	for link, r := range results {
		if r.Err != nil {
			t.Errorf("%s: %v", link, r.Err)
			continue
		}
		if _, ok := r.Value.(gateway.Entity); !ok {
			t.Errorf("%s: value %T, want gateway.Entity", link, r.Value)
		}
	}
}
