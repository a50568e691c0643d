package fleet_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/domain/fleet"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/gateway/gatewaytest"
	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/store"
)

type fixture struct {
	store     *store.Store
	registry  *accounts.Registry
	rotator   *accounts.Rotator
	connector *gatewaytest.Connector
	manager   *fleet.Manager
}

func newFixture(t *testing.T, now time.Time, handles ...string) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"), store.WithClock(clock.Fixed(now)))
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
	conn := gatewaytest.NewConnector()
	mgr := fleet.NewManager(conn, reg, rot, creds, fleet.RotatePerOperation)
	return &fixture{store: s, registry: reg, rotator: rot, connector: conn, manager: mgr}
}

func TestJoinGroupFloodWaitRotation(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, "accA", "accB")

	gwA := gatewaytest.New("accA")
	gwA.JoinByUsernameFunc = func(string) (gateway.Entity, error) {
		return gateway.Entity{}, &gateway.FloodWaitError{Seconds: 30}
	}
	gwB := gatewaytest.New("accB")
	gwB.JoinByUsernameFunc = func(u string) (gateway.Entity, error) {
		return gateway.Entity{ID: 555, Kind: gateway.KindChannel, Username: u}, nil
	}
	fx.connector.Provide("accA", gwA)
	fx.connector.Provide("accB", gwB)

	ent, err := fx.manager.JoinGroup(context.Background(), "@target")
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if ent.ID != 555 {
		t.Errorf("joined entity: %+v", ent)
	}

	stats := fx.registry.Stats()
	a, b := stats[0], stats[1]
	if a.FloodWaitCount != 1 {
		t.Errorf("accA flood count: %d", a.FloodWaitCount)
	}
	wantCooldown := now.Add(31 * time.Second) // 30 сек + буфер
	if !a.CooldownUntil.Equal(wantCooldown) {
		t.Errorf("accA cooldown: got %v, want %v", a.CooldownUntil, wantCooldown)
	}
	if a.IsBanned {
		t.Error("flood-wait must not ban")
	}
	if b.SuccessCount != 1 {
		t.Errorf("accB success count: %d", b.SuccessCount)
	}
}

func TestJoinGroupChannelsTooMuchCooldown(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, "accA", "accB")

	gwA := gatewaytest.New("accA")
	gwA.JoinByUsernameFunc = func(string) (gateway.Entity, error) {
		return gateway.Entity{}, gateway.ErrChannelsTooMuch
	}
	fx.connector.Provide("accA", gwA)

	if _, err := fx.manager.JoinGroup(context.Background(), "@target"); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}

	a := fx.registry.Stats()[0]
	if !a.CooldownUntil.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("accA cooldown: %v", a.CooldownUntil)
	}
}

func TestJoinGroupAuthFatalPropagates(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, "accA", "accB")

	gwA := gatewaytest.New("accA")
	gwA.JoinByUsernameFunc = func(string) (gateway.Entity, error) {
		return gateway.Entity{}, gateway.ErrAuthDeactivated
	}
	fx.connector.Provide("accA", gwA)

	_, err := fx.manager.JoinGroup(context.Background(), "@target")
	if !gateway.IsAuthFatal(err) {
		t.Fatalf("expected auth-fatal error, got %v", err)
	}
	if !fx.registry.IsBanned("accA") {
		t.Error("accA must be banned")
	}
	if !gwA.Closed() {
		t.Error("gateway of banned account must be closed")
	}
}

func TestJoinGroupInviteLink(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, "accA")

	var checked, imported string
	gwA := gatewaytest.New("accA")
	gwA.CheckInviteFunc = func(hash string) (gateway.Entity, error) {
		checked = hash
		return gateway.Entity{}, nil
	}
	gwA.ImportInviteFunc = func(hash string) (gateway.Entity, error) {
		imported = hash
		return gateway.Entity{ID: 77, Kind: gateway.KindSupergroup}, nil
	}
	fx.connector.Provide("accA", gwA)

	ent, err := fx.manager.JoinGroup(context.Background(), "https://t.me/+AbCdEf123")
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if ent.ID != 77 {
		t.Errorf("entity: %+v", ent)
	}
	if checked != "AbCdEf123" || imported != "AbCdEf123" {
		t.Errorf("invite hash: checked=%q imported=%q", checked, imported)
	}
}

type recordingArchiver struct {
	targets []gateway.Entity
	handles []string
	err     error
}

func (r *recordingArchiver) Archive(_ context.Context, gw gateway.Gateway, target gateway.Entity) error {
	if r.err != nil {
		return r.err
	}
	r.targets = append(r.targets, target)
	r.handles = append(r.handles, gw.SessionHandle())
	return nil
}

func TestJoinAndArchiveUsesJoiningAccount(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, "accA", "accB")

	arch := &recordingArchiver{}
	if err := fx.manager.JoinAndArchive(context.Background(), "@chan", arch, true); err != nil {
		t.Fatalf("JoinAndArchive: %v", err)
	}
	if len(arch.handles) != 1 || arch.handles[0] != "accA" {
		t.Errorf("archive must run on the joining account: %v", arch.handles)
	}
	// leaveAfter: канал покинут каким-то аккаунтом флота.
	leftTotal := 0
	for _, h := range []string{"accA", "accB"} {
		gw, err := fx.manager.Gateway(context.Background(), h)
		if err != nil {
			t.Fatalf("Gateway(%s): %v", h, err)
		}
		leftTotal += len(gw.(*gatewaytest.Fake).Left())
	}
	if leftTotal != 1 {
		t.Errorf("expected exactly one leave, got %d", leftTotal)
	}
}

func TestBatchJoinArchiveResetsUsage(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC)
	fx := newFixture(t, now, "accA")
	fx.manager.SetSleep(func(time.Duration) {})

	links := []string{"@c1", "@c2", "@c3", "@c4", "@c5", "@c6"}
	arch := &recordingArchiver{}
	results := fx.manager.BatchJoinArchive(context.Background(), links, time.Second, arch, false)
	if len(results) != len(links) {
		t.Fatalf("results: %v", results)
	}
	for link, err := range results {
		if err != nil {
			t.Errorf("%s: %v", link, err)
		}
	}
	// После 5-го элемента счётчики сбрасывались: usage меньше полного числа выборов.
	usage := fx.registry.Stats()[0].UsageCount
	if usage >= 2*len(links) {
		t.Errorf("usage counts were never reset: %d", usage)
	}
}
