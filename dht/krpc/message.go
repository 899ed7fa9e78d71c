// Package krpc implements the KRPC message codec of the Mainline DHT
// (BEP 5): bencoded query/response dictionaries over UDP, plus the
// compact node and peer encodings used inside them.
package krpc

import (
	"errors"
	"fmt"
	"net"

	"github.com/anacrolix/torrent/bencode"
)

const idSize = 20

// KRPC error codes per BEP 5.
const (
	CodeGenericError  = 201
	CodeServerError   = 202
	CodeProtocolError = 203
	CodeMethodUnknown = 204
)

var (
	errMissingTID     = errors.New("krpc: missing transaction id")
	errMissingID      = errors.New("krpc: missing sender id")
	errBadIDLength    = errors.New("krpc: sender id is not 20 bytes")
	errBadTarget      = errors.New("krpc: target is not 20 bytes")
	errBadInfohash    = errors.New("krpc: info_hash is not 20 bytes")
	errMissingToken   = errors.New("krpc: announce_peer without token")
	errUnknownMsgType = errors.New("krpc: unknown message type")
)

// ClientVersion is attached to outgoing messages under the "v" key.
var ClientVersion = ""

// ID is a raw 160-bit identifier as it appears on the wire.
type ID [idSize]byte

// Kind tags a decoded message.
type Kind int

const (
	Invalid Kind = iota
	PingQuery
	FindNodeQuery
	GetPeersQuery
	AnnouncePeerQuery
	PingReply
	FindNodeReply
	GetPeersReply
	ErrorReply
)

func (k Kind) String() string {
	switch k {
	case PingQuery:
		return "ping"
	case FindNodeQuery:
		return "find_node"
	case GetPeersQuery:
		return "get_peers"
	case AnnouncePeerQuery:
		return "announce_peer"
	case PingReply:
		return "ping_reply"
	case FindNodeReply:
		return "find_node_reply"
	case GetPeersReply:
		return "get_peers_reply"
	case ErrorReply:
		return "error_reply"
	}
	return fmt.Sprintf("invalid(%d)", int(k))
}

// NodeInfo is one entry of a compact node list.
type NodeInfo struct {
	ID   ID
	IP   net.IP
	Port uint16
}

// Peer is one entry of a compact peer ("values") list.
type Peer struct {
	IP   net.IP
	Port uint16
}

// Packet is a decoded KRPC message reduced to the fields the server loop
// dispatches on.
type Packet struct {
	Kind     Kind
	TID      string
	SenderID ID

	Target      ID         // find_node
	InfoHash    ID         // get_peers, announce_peer
	Token       string     // get_peers reply, announce_peer
	Port        uint16     // announce_peer
	ImpliedPort bool       // announce_peer
	Nodes       []NodeInfo // compact v4 nodes
	Nodes6      []NodeInfo // compact v6 nodes
	Peers       []Peer     // get_peers "values"

	ErrCode int
	ErrMsg  string
}

// Error is the bencoded [code, message] list of an error reply.
type Error struct {
	Code int64
	Msg  string
}

// MarshalBencode encodes the error as the two-element list the wire
// format requires.
func (e Error) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Msg})
}

// UnmarshalBencode decodes the two-element list, tolerating a missing
// message.
func (e *Error) UnmarshalBencode(b []byte) error {
	var l []interface{}
	if err := bencode.Unmarshal(b, &l); err != nil {
		return err
	}
	if len(l) > 0 {
		if code, ok := l[0].(int64); ok {
			e.Code = code
		}
	}
	if len(l) > 1 {
		if msg, ok := l[1].(string); ok {
			e.Msg = msg
		}
	}
	return nil
}

// message mirrors the wire dictionary.
type message struct {
	TID string     `bencode:"t"`
	Y   string     `bencode:"y"`
	Q   string     `bencode:"q,omitempty"`
	A   *queryArgs `bencode:"a,omitempty"`
	R   *respArgs  `bencode:"r,omitempty"`
	E   *Error     `bencode:"e,omitempty"`
	V   string     `bencode:"v,omitempty"`
}

type queryArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	Token       string `bencode:"token,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
}

type respArgs struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Nodes6 string   `bencode:"nodes6,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// Decode parses a datagram into a Packet. Any malformed input yields an
// error; the caller drops such datagrams without replying.
func Decode(b []byte) (*Packet, error) {
	var msg message
	if err := bencode.Unmarshal(b, &msg); err != nil {
		return nil, err
	}
	if msg.TID == "" {
		return nil, errMissingTID
	}
	pkt := &Packet{TID: msg.TID}
	switch msg.Y {
	case "q":
		return decodeQuery(pkt, &msg)
	case "r":
		return decodeResponse(pkt, &msg)
	case "e":
		pkt.Kind = ErrorReply
		if msg.E != nil {
			pkt.ErrCode = int(msg.E.Code)
			pkt.ErrMsg = msg.E.Msg
		}
		return pkt, nil
	}
	return nil, errUnknownMsgType
}

func decodeQuery(pkt *Packet, msg *message) (*Packet, error) {
	if msg.A == nil {
		return nil, errMissingID
	}
	id, err := parseID(msg.A.ID, errBadIDLength)
	if err != nil {
		return nil, err
	}
	pkt.SenderID = id
	switch msg.Q {
	case "ping":
		pkt.Kind = PingQuery
	case "find_node":
		if pkt.Target, err = parseID(msg.A.Target, errBadTarget); err != nil {
			return nil, err
		}
		pkt.Kind = FindNodeQuery
	case "get_peers":
		if pkt.InfoHash, err = parseID(msg.A.InfoHash, errBadInfohash); err != nil {
			return nil, err
		}
		pkt.Kind = GetPeersQuery
	case "announce_peer":
		if pkt.InfoHash, err = parseID(msg.A.InfoHash, errBadInfohash); err != nil {
			return nil, err
		}
		if msg.A.Token == "" {
			return nil, errMissingToken
		}
		pkt.Token = msg.A.Token
		pkt.Port = uint16(msg.A.Port)
		pkt.ImpliedPort = msg.A.ImpliedPort != 0
		pkt.Kind = AnnouncePeerQuery
	default:
		return nil, fmt.Errorf("krpc: unknown query %q", msg.Q)
	}
	return pkt, nil
}

// decodeResponse classifies a bare "r" dictionary by its payload: values
// or a token mean get_peers, node lists mean find_node, nothing means
// ping. The final word belongs to the transaction owner, which may
// reinterpret the kind.
func decodeResponse(pkt *Packet, msg *message) (*Packet, error) {
	if msg.R == nil {
		return nil, errMissingID
	}
	id, err := parseID(msg.R.ID, errBadIDLength)
	if err != nil {
		return nil, err
	}
	pkt.SenderID = id
	pkt.Token = msg.R.Token
	pkt.Nodes = ParseCompactNodes(msg.R.Nodes, false)
	pkt.Nodes6 = ParseCompactNodes(msg.R.Nodes6, true)
	for _, v := range msg.R.Values {
		if p, ok := ParseCompactPeer(v); ok {
			pkt.Peers = append(pkt.Peers, p)
		}
	}
	switch {
	case len(pkt.Peers) > 0 || pkt.Token != "":
		pkt.Kind = GetPeersReply
	case len(pkt.Nodes) > 0 || len(pkt.Nodes6) > 0:
		pkt.Kind = FindNodeReply
	default:
		pkt.Kind = PingReply
	}
	return pkt, nil
}

func parseID(s string, lenErr error) (ID, error) {
	var id ID
	if len(s) != idSize {
		return id, lenErr
	}
	copy(id[:], s)
	return id, nil
}

// Query builders.

func NewPingQuery(tid string, self ID) ([]byte, error) {
	return marshal(&message{TID: tid, Y: "q", Q: "ping", A: &queryArgs{ID: string(self[:])}})
}

func NewFindNodeQuery(tid string, self, target ID) ([]byte, error) {
	return marshal(&message{TID: tid, Y: "q", Q: "find_node", A: &queryArgs{
		ID:     string(self[:]),
		Target: string(target[:]),
	}})
}

func NewGetPeersQuery(tid string, self, infohash ID) ([]byte, error) {
	return marshal(&message{TID: tid, Y: "q", Q: "get_peers", A: &queryArgs{
		ID:       string(self[:]),
		InfoHash: string(infohash[:]),
	}})
}

func NewAnnouncePeerQuery(tid string, self, infohash ID, port uint16, impliedPort bool, token string) ([]byte, error) {
	a := &queryArgs{
		ID:       string(self[:]),
		InfoHash: string(infohash[:]),
		Port:     int(port),
		Token:    token,
	}
	if impliedPort {
		a.ImpliedPort = 1
	}
	return marshal(&message{TID: tid, Y: "q", Q: "announce_peer", A: a})
}

// Reply builders.

func NewPingReply(tid string, self ID) ([]byte, error) {
	return marshal(&message{TID: tid, Y: "r", R: &respArgs{ID: string(self[:])}})
}

func NewFindNodeReply(tid string, self ID, nodes, nodes6 []NodeInfo) ([]byte, error) {
	return marshal(&message{TID: tid, Y: "r", R: &respArgs{
		ID:     string(self[:]),
		Nodes:  CompactNodes(nodes),
		Nodes6: CompactNodes6(nodes6),
	}})
}

func NewGetPeersReply(tid string, self ID, token string, nodes, nodes6 []NodeInfo, peers []Peer) ([]byte, error) {
	r := &respArgs{
		ID:     string(self[:]),
		Token:  token,
		Nodes:  CompactNodes(nodes),
		Nodes6: CompactNodes6(nodes6),
	}
	for _, p := range peers {
		r.Values = append(r.Values, CompactPeer(p))
	}
	return marshal(&message{TID: tid, Y: "r", R: r})
}

func NewErrorReply(tid string, code int, msg string) ([]byte, error) {
	return marshal(&message{TID: tid, Y: "e", E: &Error{Code: int64(code), Msg: msg}})
}

func marshal(msg *message) ([]byte, error) {
	msg.V = ClientVersion
	return bencode.Marshal(msg)
}

// Compact encodings. A v4 node entry is 26 bytes (20 id, 4 ip, 2 port), a
// v6 entry is 38 bytes; peers are the same without the id.

func CompactNodes(nodes []NodeInfo) string {
	return compactNodes(nodes, net.IPv4len)
}

func CompactNodes6(nodes []NodeInfo) string {
	return compactNodes(nodes, net.IPv6len)
}

func compactNodes(nodes []NodeInfo, iplen int) string {
	buf := make([]byte, 0, len(nodes)*(idSize+iplen+2))
	for _, n := range nodes {
		ip := canonicalIP(n.IP, iplen)
		if ip == nil {
			continue
		}
		buf = append(buf, n.ID[:]...)
		buf = append(buf, ip...)
		buf = append(buf, byte(n.Port>>8), byte(n.Port))
	}
	return string(buf)
}

// ParseCompactNodes splits a packed node list, dropping trailing garbage
// that does not make a whole entry.
func ParseCompactNodes(s string, v6 bool) []NodeInfo {
	iplen := net.IPv4len
	if v6 {
		iplen = net.IPv6len
	}
	stride := idSize + iplen + 2
	var nodes []NodeInfo
	for i := 0; i+stride <= len(s); i += stride {
		entry := s[i : i+stride]
		var n NodeInfo
		copy(n.ID[:], entry)
		n.IP = net.IP([]byte(entry[idSize : idSize+iplen]))
		n.Port = uint16(entry[idSize+iplen])<<8 | uint16(entry[idSize+iplen+1])
		nodes = append(nodes, n)
	}
	return nodes
}

func CompactPeer(p Peer) string {
	iplen := net.IPv4len
	if p.IP.To4() == nil {
		iplen = net.IPv6len
	}
	ip := canonicalIP(p.IP, iplen)
	if ip == nil {
		return ""
	}
	buf := make([]byte, 0, iplen+2)
	buf = append(buf, ip...)
	buf = append(buf, byte(p.Port>>8), byte(p.Port))
	return string(buf)
}

// ParseCompactPeer accepts both the 6-byte v4 and the 18-byte v6 form.
func ParseCompactPeer(s string) (Peer, bool) {
	switch len(s) {
	case net.IPv4len + 2, net.IPv6len + 2:
		iplen := len(s) - 2
		return Peer{
			IP:   net.IP([]byte(s[:iplen])),
			Port: uint16(s[iplen])<<8 | uint16(s[iplen+1]),
		}, true
	}
	return Peer{}, false
}

func canonicalIP(ip net.IP, iplen int) net.IP {
	if iplen == net.IPv4len {
		return ip.To4()
	}
	if ip.To4() != nil {
		return nil
	}
	return ip.To16()
}
