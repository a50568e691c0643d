package cloud_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/domain/cloud"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/gateway/gatewaytest"
	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/infra/config"
	"github.com/sword-epi/spectra/internal/store"
)

type fixture struct {
	registry  *accounts.Registry
	connector *gatewaytest.Connector
	provider  providerFunc
}

type providerFunc func(ctx context.Context, handle string) (gateway.Gateway, error)

func (f providerFunc) Gateway(ctx context.Context, handle string) (gateway.Gateway, error) {
	return f(ctx, handle)
}

func newFixture(t *testing.T, handles ...string) *fixture {
	t.Helper()
	now := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	s, err := store.Open(filepath.Join(t.TempDir(), "cloud.db"), store.WithClock(clock.Fixed(now)))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	seeds := make([]store.AccountState, 0, len(handles))
	for _, h := range handles {
		seeds = append(seeds, store.AccountState{SessionHandle: h, APIID: 1, APIHash: "x"})
	}
	reg, err := accounts.NewRegistry(context.Background(), s, seeds, clock.Fixed(now))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	conn := gatewaytest.NewConnector()
	provider := providerFunc(func(ctx context.Context, handle string) (gateway.Gateway, error) {
		return conn.Connect(ctx, gateway.Credentials{SessionHandle: handle})
	})
	return &fixture{registry: reg, connector: conn, provider: provider}
}

func delays(min, max, variance float64) config.InvitationDelays {
	return config.InvitationDelays{MinSeconds: min, MaxSeconds: max, Variance: variance}
}

func TestInviteAllMarksStateAndSkipsProcessed(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1", "a2")
	statePath := filepath.Join(t.TempDir(), "invites.json")
	st := cloud.LoadState(statePath)

	q := cloud.NewQueue(st, fx.provider, fx.registry, delays(1, 2, 0))
	q.SetSleep(func(time.Duration) {})

	results := q.InviteAll(context.Background(), 42, "@target_chan")
	if len(results) != 2 || results["a1"] != nil || results["a2"] != nil {
		t.Fatalf("results: %v", results)
	}

	raw, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("state file: %v", err)
	}
	var pairs []string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		t.Fatalf("state json: %v", err)
	}
	if !reflect.DeepEqual(pairs, []string{"42:a1", "42:a2"}) {
		t.Fatalf("state pairs: %v", pairs)
	}

	// Повторный проход: обе пары терминальны, приглашений нет.
	again := q.InviteAll(context.Background(), 42, "@target_chan")
	if len(again) != 0 {
		t.Errorf("second pass must skip processed pairs: %v", again)
	}
}

func TestStateReloadsAcrossRestart(t *testing.T) {
	t.Parallel()
	statePath := filepath.Join(t.TempDir(), "invites.json")
	st := cloud.LoadState(statePath)
	if err := st.Mark(7, "acc"); err != nil {
		t.Fatalf("Mark: %v", err)
	}

	reloaded := cloud.LoadState(statePath)
	if !reloaded.Has(7, "acc") || reloaded.Len() != 1 {
		t.Error("state must survive restart")
	}
}

func TestStateLenientOnCorruptFile(t *testing.T) {
	t.Parallel()
	statePath := filepath.Join(t.TempDir(), "invites.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	st := cloud.LoadState(statePath)
	if st.Len() != 0 {
		t.Error("corrupt state must start fresh")
	}
}

func TestJitterRange(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1")
	q := cloud.NewQueue(cloud.LoadState(filepath.Join(t.TempDir(), "s.json")),
		fx.provider, fx.registry, delays(300, 1800, 0.3))

	// rand=0: минимальная база и фактор 1−v; rand=1: максимум и 1+v.
	q.SetRand(func() float64 { return 0 })
	if got, want := q.Jitter(), time.Duration(300*0.7*float64(time.Second)); got != want {
		t.Errorf("lower bound: %v, want %v", got, want)
	}
	q.SetRand(func() float64 { return 1 })
	if got, want := q.Jitter(), time.Duration(1800*1.3*float64(time.Second)); got != want {
		t.Errorf("upper bound: %v, want %v", got, want)
	}
}

func TestFloodWaitRaisesDelayFloor(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1", "a2")
	flooded := gatewaytest.New("a1")
	flooded.JoinByUsernameFunc = func(string) (gateway.Entity, error) {
		return gateway.Entity{}, &gateway.FloodWaitError{Seconds: 600}
	}
	fx.connector.Provide("a1", flooded)

	st := cloud.LoadState(filepath.Join(t.TempDir(), "s.json"))
	q := cloud.NewQueue(st, fx.provider, fx.registry, delays(1, 2, 0))
	q.SetSleep(func(time.Duration) {})

	results := q.InviteAll(context.Background(), 42, "@target_chan")
	var fw *gateway.FloodWaitError
	if !errors.As(results["a1"], &fw) {
		t.Fatalf("a1 must report flood wait: %v", results["a1"])
	}
	if results["a2"] != nil {
		t.Errorf("a2 must still be invited: %v", results["a2"])
	}

	if q.Floor() != 601*time.Second {
		t.Errorf("floor: %v, want wait seconds plus buffer", q.Floor())
	}
	// Пара с flood-wait не терминальна: её попробуют снова.
	if st.Has(42, "a1") {
		t.Error("flooded pair must stay in the queue")
	}
	if !st.Has(42, "a2") {
		t.Error("successful pair must be terminal")
	}
	// Джиттер не опускается ниже поднятой границы.
	q.SetRand(func() float64 { return 0 })
	if q.Jitter() < 601*time.Second {
		t.Errorf("jitter below floor: %v", q.Jitter())
	}
}

func TestTargetErrorIsTerminal(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "a1")
	private := gatewaytest.New("a1")
	private.JoinByUsernameFunc = func(string) (gateway.Entity, error) {
		return gateway.Entity{}, gateway.ErrChannelPrivate
	}
	fx.connector.Provide("a1", private)

	st := cloud.LoadState(filepath.Join(t.TempDir(), "s.json"))
	q := cloud.NewQueue(st, fx.provider, fx.registry, delays(1, 2, 0))
	q.SetSleep(func(time.Duration) {})

	results := q.InviteAll(context.Background(), 42, "@target_chan")
	if !errors.Is(results["a1"], gateway.ErrChannelPrivate) {
		t.Fatalf("a1: %v", results["a1"])
	}
	if !st.Has(42, "a1") {
		t.Error("target error must make the pair terminal")
	}
	if fx.registry.IsBanned("a1") {
		t.Error("target error must not ban the account")
	}
}
