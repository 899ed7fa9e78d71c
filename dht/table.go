package dht

import (
	"bytes"
	"sort"
	"time"

	tcrypto "github.com/tendermint/go-crypto"
)

const (
	bucketSize = 8 // K
	alpha      = 3 // lookup concurrency

	bucketStaleAfter = 15 * time.Minute
)

// bucket holds up to bucketSize node records covering a contiguous slice
// of the keyspace. Nodes are kept in insertion order, oldest first.
type bucket struct {
	nodes       []*Node
	lastChanged time.Time
}

func (b *bucket) bump(now time.Time) {
	b.lastChanged = now
}

func (b *bucket) stale(now time.Time) bool {
	return now.Sub(b.lastChanged) > bucketStaleAfter
}

// Table is the Kademlia bucket tree. Bucket i holds nodes whose ids share
// exactly i leading bits with the local id; the deepest bucket also takes
// everything sharing more. Splitting appends a deeper bucket, so the
// bucket covering the local id is always the last one and all buckets
// together tile the keyspace.
//
// The table is owned by the network loop and is not safe for concurrent
// use; the loop serializes every mutation.
type Table struct {
	self    NodeID
	buckets []*bucket
	count   int
}

func newTable(self NodeID, now time.Time) *Table {
	return &Table{
		self:    self,
		buckets: []*bucket{{lastChanged: now}},
	}
}

// bucketIndex returns the index of the bucket covering id.
func (tab *Table) bucketIndex(id NodeID) int {
	cpl := CommonPrefixLen(tab.self, id)
	if cpl >= len(tab.buckets) {
		return len(tab.buckets) - 1
	}
	return cpl
}

func (tab *Table) bucketFor(id NodeID) *bucket {
	return tab.buckets[tab.bucketIndex(id)]
}

// get returns the record for id, or nil.
func (tab *Table) get(id NodeID) *Node {
	for _, n := range tab.bucketFor(id).nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// add inserts or updates a record. If the target bucket is full, does not
// cover the local id and holds no bad node, add returns the most
// questionable occupant: the caller should ping it and call replace if it
// stays silent. A nil return means the newcomer was stored, updated, or
// dropped because every occupant of a full bucket is good.
func (tab *Table) add(n *Node, now time.Time) (pingCandidate *Node) {
	if n.ID == tab.self || n.ID.IsZero() {
		return nil
	}
	for {
		idx := tab.bucketIndex(n.ID)
		b := tab.buckets[idx]
		if old := tab.get(n.ID); old != nil {
			old.IP = n.IP
			old.Port = n.Port
			b.bump(now)
			return nil
		}
		if len(b.nodes) < bucketSize {
			b.nodes = append(b.nodes, n)
			b.bump(now)
			tab.count++
			return nil
		}
		if idx == len(tab.buckets)-1 && len(tab.buckets) < nodeIDBits {
			tab.split(now)
			continue
		}
		if bad := worstNode(b.nodes, now); bad != nil && bad.status(now) == statusBad {
			tab.deleteNode(bad)
			b.nodes = append(b.nodes, n)
			b.bump(now)
			tab.count++
			return nil
		}
		return mostQuestionable(b.nodes, now)
	}
}

// split divides the deepest bucket. Nodes sharing more prefix bits with
// the local id than the old depth move into the new deepest bucket.
func (tab *Table) split(now time.Time) {
	old := tab.buckets[len(tab.buckets)-1]
	depth := len(tab.buckets) - 1
	deeper := &bucket{lastChanged: now}
	var keep []*Node
	for _, n := range old.nodes {
		if CommonPrefixLen(tab.self, n.ID) > depth {
			deeper.nodes = append(deeper.nodes, n)
		} else {
			keep = append(keep, n)
		}
	}
	old.nodes = keep
	tab.buckets = append(tab.buckets, deeper)
}

// replace substitutes an unresponsive occupant with the deferred
// newcomer. It is a no-op when the occupant already left its bucket.
func (tab *Table) replace(old, fresh *Node, now time.Time) {
	if tab.get(old.ID) == nil {
		return
	}
	tab.deleteNode(old)
	tab.add(fresh, now)
}

// deleteNode removes a record from its bucket.
func (tab *Table) deleteNode(n *Node) {
	b := tab.bucketFor(n.ID)
	for i := range b.nodes {
		if b.nodes[i].ID == n.ID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			tab.count--
			return
		}
	}
}

// touch records a liveness event for id and refreshes its bucket when the
// event shows the remote side is alive.
func (tab *Table) touch(id NodeID, ev livenessEvent, now time.Time) {
	n := tab.get(id)
	if n == nil {
		return
	}
	n.touch(ev, now)
	if ev == evQueryRecv || ev == evRespRecv {
		tab.bucketFor(id).bump(now)
	}
}

// closest returns up to n good or questionable records sorted ascending
// by XOR distance to target.
func (tab *Table) closest(target NodeID, n int, now time.Time) []*Node {
	res := &nodesByDistance{target: target, now: now}
	for _, b := range tab.buckets {
		for _, node := range b.nodes {
			if node.status(now) == statusBad {
				continue
			}
			res.push(node, n)
		}
	}
	return res.entries
}

// size returns the number of stored records.
func (tab *Table) size() int {
	return tab.count
}

// refreshTargets returns one random id inside every stale bucket. Looking
// those ids up repopulates buckets that went quiet.
func (tab *Table) refreshTargets(now time.Time) []NodeID {
	var targets []NodeID
	for i, b := range tab.buckets {
		if b.stale(now) {
			targets = append(targets, tab.randomIDInBucket(i))
		}
	}
	return targets
}

// randomIDInBucket generates an id covered by bucket idx: it shares
// exactly idx prefix bits with the local id, except in the deepest bucket
// where any longer prefix qualifies too.
func (tab *Table) randomIDInBucket(idx int) NodeID {
	var id NodeID
	copy(id[:], tcrypto.CRandBytes(nodeIDSize))
	for i := 0; i < idx && i < nodeIDBits; i++ {
		setBit(&id, i, tab.self.bit(i))
	}
	if idx < nodeIDBits && idx < len(tab.buckets)-1 {
		setBit(&id, idx, tab.self.bit(idx)^1)
	}
	return id
}

func setBit(id *NodeID, i int, v byte) {
	mask := byte(1) << (7 - uint(i%8))
	if v == 1 {
		id[i/8] |= mask
	} else {
		id[i/8] &^= mask
	}
}

// worstNode picks the occupant in the lowest liveness class, preferring
// higher failure counts within a class.
func worstNode(nodes []*Node, now time.Time) *Node {
	var worst *Node
	for _, n := range nodes {
		if worst == nil || n.statusRank(now) > worst.statusRank(now) ||
			(n.statusRank(now) == worst.statusRank(now) && n.failedQueries > worst.failedQueries) {
			worst = n
		}
	}
	return worst
}

// mostQuestionable picks the questionable occupant that has been silent
// the longest, the one to revalidate before evicting.
func mostQuestionable(nodes []*Node, now time.Time) *Node {
	var pick *Node
	for _, n := range nodes {
		if n.status(now) != statusQuestionable {
			continue
		}
		if pick == nil || lastSeen(n).Before(lastSeen(pick)) {
			pick = n
		}
	}
	return pick
}

func lastSeen(n *Node) time.Time {
	t := n.lastQueryRecv
	if n.lastRespRecv.After(t) {
		t = n.lastRespRecv
	}
	return t
}

// nodesByDistance is a list of nodes kept sorted by distance to target,
// bounded by the max size handed to push.
type nodesByDistance struct {
	entries []*Node
	target  NodeID
	now     time.Time
}

// push inserts n keeping the list sorted and no longer than maxElems.
func (h *nodesByDistance) push(n *Node, maxElems int) {
	for _, e := range h.entries {
		if e.ID == n.ID {
			return
		}
	}
	ix := sort.Search(len(h.entries), func(i int) bool {
		return h.compare(n, h.entries[i]) < 0
	})
	if len(h.entries) < maxElems {
		h.entries = append(h.entries, n)
	}
	if ix == len(h.entries) {
		return
	}
	copy(h.entries[ix+1:], h.entries[ix:])
	h.entries[ix] = n
}

// compare orders by distance to target; equal distances prefer good over
// questionable, then fewer failed queries, then the smaller id.
func (h *nodesByDistance) compare(a, b *Node) int {
	if c := XORDistance(a.ID, h.target).Cmp(XORDistance(b.ID, h.target)); c != 0 {
		return c
	}
	if ra, rb := a.statusRank(h.now), b.statusRank(h.now); ra != rb {
		return ra - rb
	}
	if a.failedQueries != b.failedQueries {
		return a.failedQueries - b.failedQueries
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}
