package dht

import (
	"net"
	"testing"
	"time"
)

func testTable() (*Table, time.Time) {
	now := time.Now()
	self := NodeID{}
	self[0] = 0x55
	return newTable(self, now), now
}

func fillNode(id NodeID) *Node {
	return NewNode(id, net.IP{10, 0, byte(id[18]), byte(id[19])}, 6881)
}

// idWithPrefix builds an id sharing exactly cpl leading bits with base.
func idWithPrefix(base NodeID, cpl int, tail byte) NodeID {
	var id NodeID
	for i := range id {
		id[i] = tail
	}
	for i := 0; i < cpl; i++ {
		setBit(&id, i, base.bit(i))
	}
	if cpl < nodeIDBits {
		setBit(&id, cpl, base.bit(cpl)^1)
	}
	return id
}

func TestTableAddAndGet(t *testing.T) {
	tab, now := testTable()
	n := fillNode(RandomID())
	if cand := tab.add(n, now); cand != nil {
		t.Fatalf("unexpected ping candidate on empty table")
	}
	if got := tab.get(n.ID); got == nil || got.ID != n.ID {
		t.Fatalf("added node not found")
	}
	if tab.size() != 1 {
		t.Fatalf("size: got %d, want 1", tab.size())
	}

	// Re-adding updates the endpoint instead of duplicating.
	n2 := NewNode(n.ID, net.IP{10, 9, 9, 9}, 7000)
	tab.add(n2, now)
	if tab.size() != 1 {
		t.Fatalf("size after re-add: got %d, want 1", tab.size())
	}
	if got := tab.get(n.ID); got.Port != 7000 {
		t.Fatalf("endpoint not updated: %d", got.Port)
	}
}

func TestTableNeverOverfills(t *testing.T) {
	tab, now := testTable()
	for i := 0; i < 1000; i++ {
		tab.add(fillNode(RandomID()), now)
	}
	for i, b := range tab.buckets {
		if len(b.nodes) > bucketSize {
			t.Fatalf("bucket %d has %d nodes", i, len(b.nodes))
		}
	}
}

func TestTableTilesKeyspace(t *testing.T) {
	tab, now := testTable()
	for i := 0; i < 1000; i++ {
		tab.add(fillNode(RandomID()), now)
	}
	// Every stored node must live in the bucket its id maps to, and only
	// there.
	total := 0
	for i, b := range tab.buckets {
		for _, n := range b.nodes {
			if tab.bucketIndex(n.ID) != i {
				t.Fatalf("node %v misfiled: in %d, maps to %d", n.ID, i, tab.bucketIndex(n.ID))
			}
			total++
		}
	}
	if total != tab.size() {
		t.Fatalf("count mismatch: %d != %d", total, tab.size())
	}
}

func TestTableSplitOnlyNearSelf(t *testing.T) {
	tab, now := testTable()
	// Flood the far half of the keyspace (cpl 0 with self). That bucket
	// must not split.
	for i := 0; i < 100; i++ {
		tab.add(fillNode(idWithPrefix(tab.self, 0, byte(i))), now)
	}
	if len(tab.buckets[0].nodes) != bucketSize {
		t.Fatalf("far bucket: got %d nodes, want %d", len(tab.buckets[0].nodes), bucketSize)
	}

	// Ids close to self force splits instead.
	for i := 0; i < 100; i++ {
		tab.add(fillNode(idWithPrefix(tab.self, 10, byte(i))), now)
	}
	if len(tab.buckets) < 2 {
		t.Fatal("expected table to deepen near self")
	}
}

func TestTableFullBucketReturnsCandidate(t *testing.T) {
	tab, now := testTable()
	// Fill the cpl-0 bucket with nodes that have responded (good).
	var occupants []*Node
	for i := 0; len(occupants) < bucketSize && i < 256; i++ {
		n := fillNode(idWithPrefix(tab.self, 0, byte(i)))
		if tab.add(n, now) == nil && tab.get(n.ID) != nil {
			occupants = append(occupants, n)
		}
	}
	for _, n := range occupants {
		n.touch(evRespRecv, now)
	}

	// All occupants good: the newcomer is dropped without a candidate.
	extra := fillNode(idWithPrefix(tab.self, 0, 0xfe))
	if cand := tab.add(extra, now); cand != nil {
		t.Fatalf("expected drop with all-good bucket, got candidate %v", cand)
	}
	if tab.get(extra.ID) != nil {
		t.Fatal("newcomer should not be stored")
	}

	// Age the occupants into questionable: now a candidate comes back.
	later := now.Add(goodWindow + time.Minute)
	cand := tab.add(extra, later)
	if cand == nil {
		t.Fatal("expected a ping candidate from a full questionable bucket")
	}
	if tab.get(extra.ID) != nil {
		t.Fatal("newcomer must stay out until the candidate fails")
	}

	// The unresponsive candidate is replaced.
	tab.replace(cand, extra, later)
	if tab.get(cand.ID) != nil {
		t.Fatal("candidate should be gone after replace")
	}
	if tab.get(extra.ID) == nil {
		t.Fatal("newcomer should be stored after replace")
	}
}

func TestTableEvictsBadNodes(t *testing.T) {
	tab, now := testTable()
	var occupants []*Node
	for i := 0; len(occupants) < bucketSize && i < 256; i++ {
		n := fillNode(idWithPrefix(tab.self, 0, byte(i)))
		tab.add(n, now)
		if tab.get(n.ID) != nil {
			occupants = append(occupants, n)
		}
	}
	for i := 0; i < maxFailedQueries; i++ {
		occupants[3].touch(evQueryTimeout, now)
	}

	extra := fillNode(idWithPrefix(tab.self, 0, 0xfd))
	if cand := tab.add(extra, now); cand != nil {
		t.Fatalf("expected bad-node eviction, got candidate %v", cand)
	}
	if tab.get(occupants[3].ID) != nil {
		t.Fatal("bad node should have been evicted")
	}
	if tab.get(extra.ID) == nil {
		t.Fatal("newcomer should have been stored")
	}
}

func TestClosestSortedAndBounded(t *testing.T) {
	tab, now := testTable()
	for i := 0; i < 200; i++ {
		n := fillNode(RandomID())
		n.touch(evRespRecv, now)
		tab.add(n, now)
	}
	target := RandomID()
	res := tab.closest(target, bucketSize, now)
	if len(res) > bucketSize {
		t.Fatalf("too many results: %d", len(res))
	}
	seen := make(map[NodeID]bool)
	for i, n := range res {
		if seen[n.ID] {
			t.Fatalf("duplicate result %v", n.ID)
		}
		seen[n.ID] = true
		if i > 0 {
			prev := XORDistance(res[i-1].ID, target)
			if XORDistance(n.ID, target).Cmp(prev) < 0 {
				t.Fatal("results not sorted by distance")
			}
		}
	}
}

func TestClosestExcludesBad(t *testing.T) {
	tab, now := testTable()
	bad := fillNode(RandomID())
	for i := 0; i < maxFailedQueries; i++ {
		bad.touch(evQueryTimeout, now)
	}
	tab.add(bad, now)
	good := fillNode(RandomID())
	good.touch(evRespRecv, now)
	tab.add(good, now)

	res := tab.closest(RandomID(), bucketSize, now)
	for _, n := range res {
		if n.ID == bad.ID {
			t.Fatal("bad node returned by closest")
		}
	}
	if len(res) != 1 {
		t.Fatalf("got %d results, want 1", len(res))
	}
}

func TestRefreshTargets(t *testing.T) {
	tab, now := testTable()
	tab.add(fillNode(RandomID()), now)
	if targets := tab.refreshTargets(now); len(targets) != 0 {
		t.Fatalf("fresh table should have no stale buckets, got %d", len(targets))
	}

	later := now.Add(bucketStaleAfter + time.Minute)
	targets := tab.refreshTargets(later)
	if len(targets) != len(tab.buckets) {
		t.Fatalf("got %d targets, want %d", len(targets), len(tab.buckets))
	}
	for i, target := range targets {
		if tab.bucketIndex(target) != i {
			t.Fatalf("refresh target %d maps to bucket %d", i, tab.bucketIndex(target))
		}
	}
}

func TestRandomIDInBucket(t *testing.T) {
	tab, now := testTable()
	// Deepen the table a little first.
	for i := 0; i < 500; i++ {
		tab.add(fillNode(RandomID()), now)
	}
	for idx := range tab.buckets {
		for trial := 0; trial < 10; trial++ {
			id := tab.randomIDInBucket(idx)
			if got := tab.bucketIndex(id); got != idx {
				t.Fatalf("bucket %d: random id maps to %d", idx, got)
			}
		}
	}
}

func TestTieBreakPrefersGood(t *testing.T) {
	now := time.Now()
	target := NodeID{}
	h := &nodesByDistance{target: target, now: now}

	// Equal distance: liveness decides.
	a := fillNode(testID(0x07))
	b := NewNode(a.ID, net.IP{10, 0, 0, 9}, 9999)
	b.touch(evRespRecv, now)
	if h.compare(b, a) >= 0 {
		t.Fatal("good node should sort before questionable at equal distance")
	}

	// Equal distance and liveness: fewer failures decide.
	c := NewNode(a.ID, net.IP{10, 0, 0, 8}, 9998)
	c.touch(evQueryTimeout, now)
	if h.compare(a, c) >= 0 {
		t.Fatal("fewer failed queries should sort first")
	}

	// Distinct ids never tie on XOR distance: the closer id sorts first.
	d := fillNode(testID(0x08))
	e := fillNode(testID(0x09))
	if h.compare(d, e) >= 0 {
		t.Fatal("smaller id should sort first")
	}
}
