package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorePutGet(t *testing.T) {
	st := newAnnounceStore()
	now := time.Now()
	ih := RandomID()

	require.False(t, st.hasPeers(ih, now))

	st.put(ih, net.IP{1, 2, 3, 4}, 6881, now)
	require.True(t, st.hasPeers(ih, now))

	peers := st.get(ih, now)
	require.Len(t, peers, 1)
	require.Equal(t, net.IP{1, 2, 3, 4}, peers[0].IP)
	require.Equal(t, uint16(6881), peers[0].Port)
}

func TestStoreUpsert(t *testing.T) {
	st := newAnnounceStore()
	now := time.Now()
	ih := RandomID()

	st.put(ih, net.IP{1, 2, 3, 4}, 6881, now)
	st.put(ih, net.IP{1, 2, 3, 4}, 6881, now.Add(time.Minute))
	require.Len(t, st.get(ih, now.Add(time.Minute)), 1)

	st.put(ih, net.IP{5, 6, 7, 8}, 6881, now)
	require.Len(t, st.get(ih, now), 2)
}

func TestStoreExpiry(t *testing.T) {
	st := newAnnounceStore()
	now := time.Now()
	ih := RandomID()

	st.put(ih, net.IP{1, 2, 3, 4}, 6881, now)
	st.put(ih, net.IP{5, 6, 7, 8}, 6881, now.Add(10*time.Minute))

	// Just before expiry the first peer is still there.
	atEdge := now.Add(peerExpiry - time.Second)
	require.Len(t, st.get(ih, atEdge), 2)

	// Past it only the later announce survives.
	past := now.Add(peerExpiry + time.Second)
	peers := st.get(ih, past)
	require.Len(t, peers, 1)
	require.Equal(t, net.IP{5, 6, 7, 8}, peers[0].IP)

	// Once everything expired the infohash itself is gone.
	require.False(t, st.hasPeers(ih, now.Add(time.Hour)))
	require.Equal(t, 0, st.size())
}

func TestStoreReannounceExtends(t *testing.T) {
	st := newAnnounceStore()
	now := time.Now()
	ih := RandomID()

	st.put(ih, net.IP{1, 2, 3, 4}, 6881, now)
	st.put(ih, net.IP{1, 2, 3, 4}, 6881, now.Add(20*time.Minute))
	require.True(t, st.hasPeers(ih, now.Add(40*time.Minute)))
}

func TestStoreBoundsInfohashes(t *testing.T) {
	st := newAnnounceStore()
	now := time.Now()
	for i := 0; i < maxStoredHashes+100; i++ {
		st.put(RandomID(), net.IP{1, 2, 3, 4}, 6881, now)
	}
	require.LessOrEqual(t, st.size(), maxStoredHashes)
}
