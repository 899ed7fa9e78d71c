package dht

import (
	"net"
	"testing"
	"time"

	"github.com/kaiserd/MlDHT/dht/krpc"
)

func newTestSearch(kind searchKind) *search {
	return newSearch(7, kind, testID(0x00), time.Now())
}

func TestSearchTIDEncoding(t *testing.T) {
	s := newTestSearch(searchGetPeers)
	tid := s.newTID()
	if len(tid) != 4 {
		t.Fatalf("tid length: %d", len(tid))
	}
	tag, ok := tagOfTID(tid)
	if !ok || tag != 7 {
		t.Fatalf("tag: got %d ok=%v", tag, ok)
	}
	if _, ok := tagOfTID("xx"); ok {
		t.Fatal("short tid accepted")
	}
	if tid2 := s.newTID(); tid2 == tid {
		t.Fatal("tids not unique")
	}
}

func TestShortlistBoundedAndSorted(t *testing.T) {
	s := newTestSearch(searchFindNode)
	for i := 1; i <= 20; i++ {
		s.addCandidate(testID(byte(i)), net.IP{10, 0, 0, byte(i)}, 6881)
	}
	if len(s.shortlist) != shortlistSize {
		t.Fatalf("shortlist size: got %d, want %d", len(s.shortlist), shortlistSize)
	}
	for i := 1; i < len(s.shortlist); i++ {
		if !s.closer(s.shortlist[i-1], s.shortlist[i]) {
			t.Fatal("shortlist not sorted by distance")
		}
	}
	// The closest candidates survived the bound.
	if s.shortlist[0].id != testID(1) {
		t.Fatalf("closest candidate: %v", s.shortlist[0].id)
	}

	// Duplicate endpoints are ignored.
	s.addCandidate(testID(1), net.IP{10, 0, 0, 1}, 6881)
	if len(s.shortlist) != shortlistSize {
		t.Fatal("duplicate endpoint changed the shortlist")
	}
}

func TestNextCandidateEligibility(t *testing.T) {
	s := newTestSearch(searchFindNode)
	s.addCandidate(testID(0x30), net.IP{10, 0, 0, 1}, 6881)

	// With fewer than K responses anything goes.
	if sn := s.nextCandidate(); sn == nil || sn.id != testID(0x30) {
		t.Fatal("expected the sole candidate")
	}

	// Fill results with K closer nodes; a farther candidate is not
	// worth asking.
	for i := 0; i < bucketSize; i++ {
		s.recordResult(&searchNode{id: testID(byte(i + 1)), responded: true})
	}
	s.addCandidate(testID(0x40), net.IP{10, 0, 0, 2}, 6881)
	if sn := s.nextCandidate(); sn != nil {
		t.Fatalf("far candidate should be skipped, got %v", sn.id)
	}

	// A closer one still qualifies.
	s.addCandidate(testID(0x01), net.IP{10, 0, 0, 3}, 6881)
	if sn := s.nextCandidate(); sn == nil {
		t.Fatal("closer candidate should be eligible")
	}
}

func TestHandleReplyMergesAndCallsBack(t *testing.T) {
	var found []krpc.Peer
	s := newTestSearch(searchGetPeers)
	s.callback = func(ip net.IP, port uint16) {
		found = append(found, krpc.Peer{IP: ip, Port: port})
	}
	s.addCandidate(NodeID{}, net.IP{10, 0, 0, 1}, 6881) // zero-id seed
	sn := s.nextCandidate()
	tid := s.newTID()
	s.pending[tid] = sn

	sender := testID(0x11)
	pkt := &krpc.Packet{
		Kind:     krpc.GetPeersReply,
		TID:      tid,
		SenderID: krpc.ID(sender),
		Token:    "tok",
		Nodes: []krpc.NodeInfo{
			{ID: krpc.ID(testID(0x22)), IP: net.IP{10, 0, 0, 2}, Port: 6882},
		},
		Peers: []krpc.Peer{
			{IP: net.IP{1, 2, 3, 4}, Port: 1111},
			{IP: net.IP{1, 2, 3, 4}, Port: 1111}, // duplicate
		},
	}
	got := s.handleReply(tid, pkt, false)
	if got != sn {
		t.Fatal("reply did not settle the pending query")
	}
	if sn.id != sender {
		t.Fatal("zero id not filled in from the response")
	}
	if sn.token != "tok" {
		t.Fatal("token not recorded")
	}
	if len(s.results) != 1 {
		t.Fatalf("results: %d", len(s.results))
	}
	if len(s.shortlist) != 1 || s.shortlist[0].id != testID(0x22) {
		t.Fatal("returned node not merged into shortlist")
	}
	if len(found) != 1 {
		t.Fatalf("callback fired %d times, want 1 (dedup)", len(found))
	}

	// A reply for an unknown tid is ignored.
	if s.handleReply("zzzz", pkt, false) != nil {
		t.Fatal("unknown tid settled something")
	}
}

func TestHandleReplyIgnoresWrongFamilyNodes(t *testing.T) {
	s := newTestSearch(searchFindNode)
	s.addCandidate(testID(0x11), net.IP{10, 0, 0, 1}, 6881)
	sn := s.nextCandidate()
	tid := s.newTID()
	s.pending[tid] = sn

	pkt := &krpc.Packet{
		Kind:     krpc.FindNodeReply,
		TID:      tid,
		SenderID: krpc.ID(sn.id),
		Nodes: []krpc.NodeInfo{
			{ID: krpc.ID(testID(0x22)), IP: net.IP{10, 0, 0, 2}, Port: 6882},
		},
	}
	// On a v6 table only nodes6 entries count.
	s.handleReply(tid, pkt, true)
	if len(s.shortlist) != 0 {
		t.Fatal("v4 nodes merged into a v6 search")
	}
}

func TestSearchConvergence(t *testing.T) {
	s := newTestSearch(searchFindNode)
	if !s.converged() {
		t.Fatal("empty search should be converged")
	}

	s.addCandidate(testID(0x10), net.IP{10, 0, 0, 1}, 6881)
	if s.converged() {
		t.Fatal("search with eligible candidate is not converged")
	}

	sn := s.nextCandidate()
	tid := s.newTID()
	s.pending[tid] = sn
	if s.converged() {
		t.Fatal("search with pending query is not converged")
	}

	if s.handleTimeout(tid) != sn {
		t.Fatal("timeout did not settle the query")
	}
	if !sn.failed {
		t.Fatal("timeout did not mark the node failed")
	}
	if !s.converged() {
		t.Fatal("search should converge after last timeout")
	}
}

func TestAnnounceTargetsSkipTokenless(t *testing.T) {
	s := newTestSearch(searchGetPeers)
	s.recordResult(&searchNode{id: testID(1), responded: true, token: "t1"})
	s.recordResult(&searchNode{id: testID(2), responded: true}) // find_node style reply, no token
	s.recordResult(&searchNode{id: testID(3), responded: true, token: "t3"})

	targets := s.announceTargets()
	if len(targets) != 2 {
		t.Fatalf("targets: got %d, want 2", len(targets))
	}
	for _, sn := range targets {
		if sn.token == "" {
			t.Fatal("token-less node selected for announce")
		}
	}
	if !s.closer(targets[0], targets[1]) {
		t.Fatal("announce targets not in distance order")
	}
}
