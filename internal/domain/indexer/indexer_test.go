package indexer_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faster/errors"

	"github.com/sword-epi/spectra/internal/domain/accounts"
	"github.com/sword-epi/spectra/internal/domain/fleet"
	"github.com/sword-epi/spectra/internal/domain/indexer"
	"github.com/sword-epi/spectra/internal/gateway"
	"github.com/sword-epi/spectra/internal/gateway/gatewaytest"
	"github.com/sword-epi/spectra/internal/infra/clock"
	"github.com/sword-epi/spectra/internal/store"
)

func newFixture(t *testing.T, handles ...string) (*store.Store, *accounts.Registry, *fleet.Manager, *gatewaytest.Connector) {
	t.Helper()
	now := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	s, err := store.Open(filepath.Join(t.TempDir(), "idx.db"), store.WithClock(clock.Fixed(now)))
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
	return s, reg, fleet.NewManager(conn, reg, rot, creds, fleet.RotatePerOperation), conn
}

func dialogs(ents ...gateway.Entity) func(fn func(gateway.Entity) error) error {
	return func(fn func(gateway.Entity) error) error {
		for _, e := range ents {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestIndexAllFiltersAndIsolates(t *testing.T) {
	t.Parallel()
	s, reg, mgr, conn := newFixture(t, "a1", "a2")
	ctx := context.Background()

	good := gatewaytest.New("a1")
	good.IterDialogsFunc = dialogs(
		gateway.Entity{ID: 100, Kind: gateway.KindChannel, Title: "news"},
		gateway.Entity{ID: 101, Kind: gateway.KindSupergroup, Title: "chat"},
		gateway.Entity{ID: 102, Kind: gateway.KindUser, Title: "alice"},
		gateway.Entity{ID: 103, Kind: gateway.KindBot, Title: "bot"},
	)
	bad := gatewaytest.New("a2")
	bad.IterDialogsFunc = func(func(gateway.Entity) error) error {
		return gateway.ErrChannelPrivate
	}
	conn.Provide("a1", good)
	conn.Provide("a2", bad)

	ix := indexer.New(s, mgr, reg)
	results := ix.IndexAll(ctx)

	if results["a1"] != nil {
		t.Errorf("a1: %v", results["a1"])
	}
	if !errors.Is(results["a2"], gateway.ErrChannelPrivate) {
		t.Errorf("a2 error must be isolated and reported: %v", results["a2"])
	}

	channels, err := s.AllUniqueChannels(ctx)
	if err != nil {
		t.Fatalf("AllUniqueChannels: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("only channel-like dialogs belong in the index: %+v", channels)
	}
	for _, ch := range channels {
		if ch.AccountPhone != "a1" {
			t.Errorf("unexpected accessor: %+v", ch)
		}
	}
}

func TestIndexReRunReplacesRows(t *testing.T) {
	t.Parallel()
	s, reg, mgr, conn := newFixture(t, "a1")
	ctx := context.Background()

	gw := gatewaytest.New("a1")
	gw.IterDialogsFunc = dialogs(gateway.Entity{ID: 100, Kind: gateway.KindChannel, Title: "old name"})
	conn.Provide("a1", gw)

	ix := indexer.New(s, mgr, reg)
	if n, err := ix.IndexAccount(ctx, "a1"); err != nil || n != 1 {
		t.Fatalf("first pass: n=%d err=%v", n, err)
	}

	gw.IterDialogsFunc = dialogs(gateway.Entity{ID: 100, Kind: gateway.KindChannel, Title: "new name"})
	if n, err := ix.IndexAccount(ctx, "a1"); err != nil || n != 1 {
		t.Fatalf("second pass: n=%d err=%v", n, err)
	}

	channels, err := s.AllUniqueChannels(ctx)
	if err != nil {
		t.Fatalf("AllUniqueChannels: %v", err)
	}
	if len(channels) != 1 || channels[0].ChannelName != "new name" {
		t.Fatalf("re-index must keep one row per (account, channel): %+v", channels)
	}
}
