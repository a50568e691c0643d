package network_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/sword-epi/spectra/internal/domain/network"
	"github.com/sword-epi/spectra/internal/store"
)

func edge(src, dst string, w float64) store.Relationship {
	return store.Relationship{Source: src, Target: dst, Kind: "mention", Weight: w}
}

func TestPrioritiesWithinUnitInterval(t *testing.T) {
	t.Parallel()
	rels := []store.Relationship{
		edge("@a", "@x", 3),
		edge("@b", "@x", 1),
		edge("@a", "@y", 1),
		edge("@x", "@y", 2),
		edge("@y", "@a", 1),
	}
	got := network.Priorities(rels)
	if len(got) != 4 {
		t.Fatalf("nodes: %v", got)
	}
	for node, p := range got {
		if p < 0 || p > 1 {
			t.Errorf("priority of %s out of range: %v", node, p)
		}
	}
}

func TestHubOutranksLeaf(t *testing.T) {
	t.Parallel()
	// Три источника указывают на @hub, один — на @leaf.
	rels := []store.Relationship{
		edge("@a", "@hub", 1),
		edge("@b", "@hub", 1),
		edge("@c", "@hub", 1),
		edge("@a", "@leaf", 1),
	}
	got := network.Priorities(rels)
	if got["@hub"] <= got["@leaf"] {
		t.Errorf("hub %v must outrank leaf %v", got["@hub"], got["@leaf"])
	}
}

func TestNewEdgeMonotonicity(t *testing.T) {
	t.Parallel()
	base := []store.Relationship{
		edge("@a", "@x", 1),
		edge("@b", "@x", 1),
		edge("@a", "@y", 1),
	}
	before := network.Priorities(base)

	after := network.Priorities(append(base, edge("@c", "@x", 1)))

	const eps = 1e-9
	if after["@x"] < before["@x"]-eps {
		t.Errorf("priority of @x decreased after gaining an edge: %v -> %v", before["@x"], after["@x"])
	}
	if after["@y"] > before["@y"]+eps {
		t.Errorf("priority of @y increased without new edges: %v -> %v", before["@y"], after["@y"])
	}
}

func TestEmptyGraph(t *testing.T) {
	t.Parallel()
	if got := network.Priorities(nil); len(got) != 0 {
		t.Errorf("empty graph produced priorities: %v", got)
	}
}

func TestRecomputePersistsAndRanks(t *testing.T) {
	t.Parallel()
	s, err := store.Open(filepath.Join(t.TempDir(), "net.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for _, link := range []string{"@hub", "@leaf"} {
		if err := s.UpsertDiscoveredGroup(ctx, store.DiscoveredGroup{Link: link, Kind: "username", Source: "seed"}); err != nil {
			t.Fatalf("UpsertDiscoveredGroup: %v", err)
		}
	}
	for _, r := range []store.Relationship{
		edge("@a", "@hub", 1),
		edge("@b", "@hub", 1),
		edge("@b", "@leaf", 1),
	} {
		if err := s.AccumulateRelationship(ctx, r); err != nil {
			t.Fatalf("AccumulateRelationship: %v", err)
		}
	}

	an := network.NewAnalyzer(s)
	priorities, err := an.Recompute(ctx)
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if priorities["@hub"] <= priorities["@leaf"] {
		t.Fatalf("hub must outrank leaf: %v", priorities)
	}

	top, err := an.TopPriorityTargets(ctx, 10, 0)
	if err != nil {
		t.Fatalf("TopPriorityTargets: %v", err)
	}
	if len(top) != 2 || top[0].Link != "@hub" {
		t.Fatalf("top targets: %+v", top)
	}
	if math.Abs(top[0].Priority-priorities["@hub"]) > 1e-9 {
		t.Errorf("persisted priority %v differs from computed %v", top[0].Priority, priorities["@hub"])
	}
}

func TestTopPriorityThreshold(t *testing.T) {
	t.Parallel()
	s, err := store.Open(filepath.Join(t.TempDir(), "net.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	for link, p := range map[string]float64{"@strong": 0.8, "@weak": 0.1} {
		if err := s.UpsertDiscoveredGroup(ctx, store.DiscoveredGroup{Link: link, Kind: "username", Source: "seed"}); err != nil {
			t.Fatalf("UpsertDiscoveredGroup: %v", err)
		}
		if err := s.SetGroupPriority(ctx, link, p); err != nil {
			t.Fatalf("SetGroupPriority: %v", err)
		}
	}

	an := network.NewAnalyzer(s)
	top, err := an.TopPriorityTargets(ctx, 10, 0.5)
	if err != nil {
		t.Fatalf("TopPriorityTargets: %v", err)
	}
	if len(top) != 1 || top[0].Link != "@strong" {
		t.Errorf("threshold filter: %+v", top)
	}
}
