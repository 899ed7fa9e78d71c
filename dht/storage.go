package dht

import (
	"fmt"
	"net"
	"time"

	"github.com/kaiserd/MlDHT/common"
	"github.com/kaiserd/MlDHT/dht/krpc"
)

const (
	peerExpiry      = 30 * time.Minute
	maxStoredHashes = 4096
	maxPeersPerHash = 512
)

type peerEntry struct {
	ip     net.IP
	port   uint16
	expiry time.Time
}

type peerSet struct {
	entries map[string]*peerEntry // keyed by ip:port
}

// AnnounceStore maps infohashes to the peers that announced them. The
// infohash population is LRU-bounded; expired entries are dropped lazily
// whenever a set is read.
type AnnounceStore struct {
	hashes *common.Cache
}

func newAnnounceStore() *AnnounceStore {
	return &AnnounceStore{hashes: common.NewCache(maxStoredHashes)}
}

// put upserts an announced peer and restarts its expiry clock.
func (st *AnnounceStore) put(infohash NodeID, ip net.IP, port uint16, now time.Time) {
	key := string(infohash[:])
	var set *peerSet
	if v, ok := st.hashes.Get(key); ok {
		set = v.(*peerSet)
	} else {
		set = &peerSet{entries: make(map[string]*peerEntry)}
		st.hashes.Add(key, set)
	}
	addr := fmt.Sprintf("%s:%d", ip, port)
	if len(set.entries) >= maxPeersPerHash {
		if _, ok := set.entries[addr]; !ok {
			return
		}
	}
	set.entries[addr] = &peerEntry{ip: ip, port: port, expiry: now.Add(peerExpiry)}
}

// get returns the live peers for infohash, pruning expired ones.
func (st *AnnounceStore) get(infohash NodeID, now time.Time) []krpc.Peer {
	v, ok := st.hashes.Get(string(infohash[:]))
	if !ok {
		return nil
	}
	set := v.(*peerSet)
	var peers []krpc.Peer
	for addr, e := range set.entries {
		if now.After(e.expiry) {
			delete(set.entries, addr)
			continue
		}
		peers = append(peers, krpc.Peer{IP: e.ip, Port: e.port})
	}
	if len(set.entries) == 0 {
		st.hashes.Remove(string(infohash[:]))
	}
	return peers
}

// hasPeers reports whether get would return a non-empty list.
func (st *AnnounceStore) hasPeers(infohash NodeID, now time.Time) bool {
	return len(st.get(infohash, now)) > 0
}

// size returns the number of stored infohashes.
func (st *AnnounceStore) size() int {
	return st.hashes.Len()
}
