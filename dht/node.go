package dht

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	tcrypto "github.com/tendermint/go-crypto"
)

const (
	nodeIDBits = 160
	nodeIDSize = nodeIDBits / 8
)

var (
	errBadIDLength = errors.New("wrong length for a node id")
	errMissingIP   = errors.New("node has no ip address")
	errLowPort     = errors.New("node port too low")
	errZeroID      = errors.New("node id is zero")
)

// NodeID is a 160-bit identifier in the DHT keyspace. Node identifiers
// and infohashes share this space.
type NodeID [nodeIDSize]byte

// BytesToID converts raw wire bytes into a NodeID.
func BytesToID(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != nodeIDSize {
		return id, errBadIDLength
	}
	copy(id[:], b)
	return id, nil
}

// HexID parses a hex-encoded node id.
func HexID(in string) (NodeID, error) {
	b, err := hex.DecodeString(in)
	if err != nil {
		return NodeID{}, err
	}
	return BytesToID(b)
}

// MustHexID parses a hex-encoded node id and panics on bad input.
// It is meant for test fixtures and hardcoded ids.
func MustHexID(in string) NodeID {
	id, err := HexID(in)
	if err != nil {
		panic("invalid node id: " + in)
	}
	return id
}

// RandomID generates a fresh id from the system entropy source.
func RandomID() NodeID {
	var id NodeID
	copy(id[:], tcrypto.CRandBytes(nodeIDSize))
	return id
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the id as a raw byte slice.
func (id NodeID) Bytes() []byte {
	return id[:]
}

// IsZero reports whether the id is the all-zero id. Bootstrap seeds whose
// id is not yet known carry the zero id until their first response.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// bit returns bit i of the id, counting from the most significant bit.
func (id NodeID) bit(i int) byte {
	return id[i/8] >> (7 - uint(i%8)) & 1
}

// Distance is the XOR metric value between two ids, compared as an
// unsigned 160-bit integer.
type Distance [nodeIDSize]byte

// XORDistance computes the metric distance between a and b.
func XORDistance(a, b NodeID) Distance {
	var d Distance
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Cmp returns -1, 0 or 1 depending on whether d is smaller, equal to or
// larger than other.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// CommonPrefixLen returns the number of leading bits shared by a and b.
// Equal ids share all 160 bits.
func CommonPrefixLen(a, b NodeID) int {
	for i := 0; i < nodeIDSize; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			cpl := i * 8
			for x&0x80 == 0 {
				x <<= 1
				cpl++
			}
			return cpl
		}
	}
	return nodeIDBits
}

// Node liveness parameters, per BEP 5.
const (
	goodWindow       = 15 * time.Minute
	maxFailedQueries = 5
)

type nodeStatus int

const (
	statusGood nodeStatus = iota
	statusQuestionable
	statusBad
)

func (s nodeStatus) String() string {
	switch s {
	case statusGood:
		return "good"
	case statusQuestionable:
		return "questionable"
	case statusBad:
		return "bad"
	}
	return fmt.Sprintf("nodeStatus(%d)", int(s))
}

type livenessEvent int

const (
	evQueryRecv livenessEvent = iota
	evRespRecv
	evQuerySent
	evQueryTimeout
)

// Node is the record kept for a remote peer. The liveness fields are
// owned by the network loop; they are read and written without locking
// from that goroutine only.
type Node struct {
	ID   NodeID
	IP   net.IP
	Port uint16

	lastQueryRecv time.Time
	lastRespRecv  time.Time
	lastQuerySent time.Time
	failedQueries int
}

// NewNode creates a node record for the given endpoint.
func NewNode(id NodeID, ip net.IP, port uint16) *Node {
	if ipv4 := ip.To4(); ipv4 != nil {
		ip = ipv4
	}
	return &Node{ID: id, IP: ip, Port: port}
}

func (n *Node) addr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
}

func (n *Node) String() string {
	return fmt.Sprintf("%x@%v", n.ID[:8], n.addr())
}

// validateComplete checks whether the record can be dialed.
func (n *Node) validateComplete() error {
	if n.ID.IsZero() {
		return errZeroID
	}
	if n.IP == nil || n.IP.IsUnspecified() {
		return errMissingIP
	}
	if n.Port == 0 {
		return errLowPort
	}
	return nil
}

// touch records a liveness event on the node.
func (n *Node) touch(ev livenessEvent, now time.Time) {
	switch ev {
	case evQueryRecv:
		n.lastQueryRecv = now
	case evRespRecv:
		n.lastRespRecv = now
		n.failedQueries = 0
	case evQuerySent:
		n.lastQuerySent = now
	case evQueryTimeout:
		n.failedQueries++
	}
}

// status derives the liveness class at the given instant. A node is good
// if it responded within the last 15 minutes, or if it has ever responded
// and sent us a query within the last 15 minutes. Five consecutive
// unanswered queries make it bad.
func (n *Node) status(now time.Time) nodeStatus {
	if n.failedQueries >= maxFailedQueries {
		return statusBad
	}
	if !n.lastRespRecv.IsZero() && now.Sub(n.lastRespRecv) < goodWindow {
		return statusGood
	}
	if !n.lastRespRecv.IsZero() && !n.lastQueryRecv.IsZero() && now.Sub(n.lastQueryRecv) < goodWindow {
		return statusGood
	}
	return statusQuestionable
}

// statusRank orders states for tie-breaking: good before questionable
// before bad.
func (n *Node) statusRank(now time.Time) int {
	return int(n.status(now))
}
