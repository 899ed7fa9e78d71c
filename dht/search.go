package dht

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/kaiserd/MlDHT/dht/krpc"
)

// A search drives one iterative lookup toward a 160-bit target: keep the
// closest known unqueried candidates in a bounded shortlist, keep up to
// alpha queries in flight, and stop once no candidate is closer than the
// K-th responded node. get_peers searches may finish with an announce
// round against the closest responded nodes that handed out a token.

type searchKind int

const (
	searchFindNode searchKind = iota
	searchGetPeers
)

func (k searchKind) String() string {
	if k == searchFindNode {
		return "find_node"
	}
	return "get_peers"
}

const (
	shortlistSize = 8 // bound on unqueried candidates

	searchQueryTimeout = 10 * time.Second
	searchBudget       = 2 * time.Minute
)

// PeerCallback receives every peer a get_peers search discovers, in
// discovery order. It runs on the network loop and must not block.
type PeerCallback func(ip net.IP, port uint16)

// searchNode is one lookup candidate. Bootstrap seeds start with the
// zero id; the first response fills it in.
type searchNode struct {
	id        NodeID
	ip        net.IP
	port      uint16
	responded bool
	failed    bool
	token     string
}

func (sn *searchNode) addrKey() string {
	return fmt.Sprintf("%s:%d", sn.ip, sn.port)
}

func (sn *searchNode) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: sn.ip, Port: int(sn.port)}
}

type search struct {
	tag      uint16
	kind     searchKind
	target   NodeID
	announce bool
	port     uint16 // 0 means implied port on announce
	callback PeerCallback

	shortlist []*searchNode          // unqueried, sorted by distance, bounded
	known     map[string]bool        // every endpoint ever added
	pending   map[string]*searchNode // in-flight, by transaction id
	results   []*searchNode          // responded, sorted by distance, at most K
	seenPeers map[string]bool
	nextSeq   uint16

	startedAt time.Time
	finished  bool
}

func newSearch(tag uint16, kind searchKind, target NodeID, started time.Time) *search {
	return &search{
		tag:       tag,
		kind:      kind,
		target:    target,
		known:     make(map[string]bool),
		pending:   make(map[string]*searchNode),
		seenPeers: make(map[string]bool),
		startedAt: started,
	}
}

// newTID allocates the next transaction id for this search: the search
// tag followed by a per-search sequence number, both big endian.
func (s *search) newTID() string {
	s.nextSeq++
	return string([]byte{byte(s.tag >> 8), byte(s.tag), byte(s.nextSeq >> 8), byte(s.nextSeq)})
}

// tagOfTID recovers the owning search tag from a transaction id.
func tagOfTID(tid string) (uint16, bool) {
	if len(tid) != 4 {
		return 0, false
	}
	return uint16(tid[0])<<8 | uint16(tid[1]), true
}

// addCandidate offers an endpoint to the shortlist. Endpoints already
// seen (queried or listed) are ignored, and the list keeps only the
// shortlistSize closest.
func (s *search) addCandidate(id NodeID, ip net.IP, port uint16) {
	sn := &searchNode{id: id, ip: ip, port: port}
	if port == 0 || ip == nil || s.known[sn.addrKey()] {
		return
	}
	s.known[sn.addrKey()] = true
	s.shortlist = append(s.shortlist, sn)
	sort.Slice(s.shortlist, func(i, j int) bool {
		return s.closer(s.shortlist[i], s.shortlist[j])
	})
	if len(s.shortlist) > shortlistSize {
		s.shortlist = s.shortlist[:shortlistSize]
	}
}

func (s *search) closer(a, b *searchNode) bool {
	return XORDistance(a.id, s.target).Cmp(XORDistance(b.id, s.target)) < 0
}

// nextCandidate pops the closest shortlist entry still worth querying:
// one strictly closer than the K-th responded node, or anything while
// fewer than K nodes have responded. Returns nil when the lookup has
// nothing useful left to ask.
func (s *search) nextCandidate() *searchNode {
	if len(s.shortlist) == 0 {
		return nil
	}
	sn := s.shortlist[0]
	if len(s.results) >= bucketSize {
		kth := s.results[bucketSize-1]
		if !s.closer(sn, kth) {
			return nil
		}
	}
	s.shortlist = s.shortlist[1:]
	return sn
}

// handleReply settles the in-flight query tid with a response packet. It
// merges returned nodes into the shortlist, records tokens, and fires
// the peer callback for unseen values. The caller steps the search
// afterwards.
func (s *search) handleReply(tid string, pkt *krpc.Packet, v6 bool) *searchNode {
	sn, ok := s.pending[tid]
	if !ok {
		return nil
	}
	delete(s.pending, tid)
	sn.responded = true
	if sn.id.IsZero() {
		sn.id = NodeID(pkt.SenderID)
	}
	sn.token = pkt.Token
	s.recordResult(sn)

	nodes := pkt.Nodes
	if v6 {
		nodes = pkt.Nodes6
	}
	for _, ni := range nodes {
		s.addCandidate(NodeID(ni.ID), ni.IP, ni.Port)
	}
	if s.kind == searchGetPeers && s.callback != nil {
		for _, p := range pkt.Peers {
			key := fmt.Sprintf("%s:%d", p.IP, p.Port)
			if s.seenPeers[key] {
				continue
			}
			s.seenPeers[key] = true
			s.callback(p.IP, p.Port)
		}
	}
	return sn
}

// handleTimeout abandons the in-flight query tid. The node is not
// retried within this search.
func (s *search) handleTimeout(tid string) *searchNode {
	sn, ok := s.pending[tid]
	if !ok {
		return nil
	}
	delete(s.pending, tid)
	sn.failed = true
	return sn
}

// recordResult files a responded node among the K closest.
func (s *search) recordResult(sn *searchNode) {
	s.results = append(s.results, sn)
	sort.Slice(s.results, func(i, j int) bool {
		return s.closer(s.results[i], s.results[j])
	})
	if len(s.results) > bucketSize {
		s.results = s.results[:bucketSize]
	}
}

// converged reports whether the lookup ran out of closer candidates and
// has nothing in flight.
func (s *search) converged() bool {
	if len(s.pending) > 0 {
		return false
	}
	if len(s.shortlist) == 0 {
		return true
	}
	if len(s.results) < bucketSize {
		return false
	}
	return !s.closer(s.shortlist[0], s.results[bucketSize-1])
}

// announceTargets returns the responded nodes that handed out a token,
// closest first. Token-less responders (for example those answering a
// find_node reply) are skipped.
func (s *search) announceTargets() []*searchNode {
	var targets []*searchNode
	for _, sn := range s.results {
		if sn.token != "" {
			targets = append(targets, sn)
		}
	}
	return targets
}
