package strategy

import (
	"math/rand"
	"testing"

	"providerlb/provider"
)

func items(ids ...provider.ID) []Item {
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, Item{ID: id, Provider: provider.NewStub(id, 0)})
	}
	return out
}

func TestRoundRobinCyclesAndWraps(t *testing.T) {
	rr := NewRoundRobin()
	for _, it := range items("A", "B", "C") {
		rr.Include(it)
	}

	var seq []provider.ID
	for i := 0; i < 6; i++ {
		if !rr.HasNext() {
			t.Fatal("expected non-empty set")
		}
		seq = append(seq, rr.Next().ID)
	}

	want := []provider.ID{"A", "B", "C", "A", "B", "C"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s (full seq %v)", i, seq[i], want[i], seq)
		}
	}
}

func TestRoundRobinExcludeRemovesFromRotation(t *testing.T) {
	rr := NewRoundRobin()
	for _, it := range items("A", "B", "C") {
		rr.Include(it)
	}
	rr.Exclude("B")

	for i := 0; i < 4; i++ {
		if got := rr.Next().ID; got == "B" {
			t.Fatalf("excluded provider B was selected at step %d", i)
		}
	}
}

func TestRoundRobinIncludeExcludeIdempotent(t *testing.T) {
	rr := NewRoundRobin()
	a := items("A")[0]
	if changed := rr.Include(a); !changed {
		t.Fatal("first include should report a change")
	}
	if changed := rr.Include(a); changed {
		t.Fatal("second include of the same id should be a no-op")
	}
	if changed := rr.Exclude("Z"); changed {
		t.Fatal("excluding an absent id should report no change")
	}
	if changed := rr.Exclude("A"); !changed {
		t.Fatal("excluding a present id should report a change")
	}
	if changed := rr.Exclude("A"); changed {
		t.Fatal("excluding an already-excluded id should report no change")
	}
}

func TestRoundRobinEmptyHasNext(t *testing.T) {
	rr := NewRoundRobin()
	if rr.HasNext() {
		t.Fatal("expected empty strategy to report HasNext() == false")
	}
}

func TestRandomDrawsFromEligibleSet(t *testing.T) {
	r := NewRandom(rand.New(rand.NewSource(42)))
	for _, it := range items("A", "B", "C") {
		r.Include(it)
	}

	seen := map[provider.ID]bool{}
	for i := 0; i < 200; i++ {
		seen[r.Next().ID] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected to see all 3 providers over 200 draws, saw %v", seen)
	}
}

func TestWeightedRandomRespectsWeights(t *testing.T) {
	w := NewWeightedRandom(rand.New(rand.NewSource(7)))
	w.Include(Item{ID: "heavy", Provider: provider.NewStub("heavy", 0), Weight: 9})
	w.Include(Item{ID: "light", Provider: provider.NewStub("light", 0), Weight: 1})

	counts := map[provider.ID]int{}
	n := 10000
	for i := 0; i < n; i++ {
		counts[w.Next().ID]++
	}

	ratio := float64(counts["heavy"]) / float64(counts["light"])
	if ratio < 6 || ratio > 12 {
		t.Fatalf("weight ratio heavy/light = %.2f, expected close to 9", ratio)
	}
}

func TestConsistentHashStableForSameKey(t *testing.T) {
	ch := NewConsistentHash()
	for _, it := range items("A", "B", "C") {
		ch.Include(it)
	}

	p1, err := ch.PickForKey("user-123")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := ch.PickForKey("user-123")
	if err != nil {
		t.Fatal(err)
	}
	if p1.ID != p2.ID {
		t.Fatalf("same key mapped to different items: %s vs %s", p1.ID, p2.ID)
	}
}

func TestConsistentHashEmptyReturnsError(t *testing.T) {
	ch := NewConsistentHash()
	if _, err := ch.PickForKey("x"); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}
