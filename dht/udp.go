package dht

import (
	"context"
	"net"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kaiserd/MlDHT/dht/krpc"
)

const logModule = "dht"

// Datagrams larger than this are cut off and will fail to decode.
const maxPacketSize = 4096

// ingressPacket is one decoded datagram on its way into the loop.
type ingressPacket struct {
	remoteAddr *net.UDPAddr
	pkt        *krpc.Packet
}

// conn mirrors the *net.UDPConn methods the transport needs, so tests
// can run without sockets.
type conn interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (n int, err error)
	Close() error
	LocalAddr() net.Addr
}

// transport is implemented by the UDP transport. It is an interface so
// the loop and search machinery can be tested against an in-memory
// network.
type transport interface {
	sendPacket(to *net.UDPAddr, payload []byte)
	localAddr() *net.UDPAddr
	Close()
}

type netWork interface {
	reqReadPacket(pkt ingressPacket)
}

// udp pumps datagrams between the socket and the network loop.
type udp struct {
	conn conn
	net  netWork
}

// listenUDP binds the socket for one address family. The IPv6 socket is
// set V6-only so the two families stay independent.
func listenUDP(fam Family, port uint16) (*udp, error) {
	network := "udp4"
	if fam == FamilyV6 {
		network = "udp6"
	}
	lc := net.ListenConfig{}
	if fam == FamilyV6 {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			})
			if err != nil {
				return err
			}
			return serr
		}
	}
	pc, err := lc.ListenPacket(context.Background(), network, net.JoinHostPort("", strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	return &udp{conn: pc.(*net.UDPConn)}, nil
}

func (t *udp) localAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *udp) Close() {
	t.conn.Close()
}

func (t *udp) sendPacket(to *net.UDPAddr, payload []byte) {
	if _, err := t.conn.WriteToUDP(payload, to); err != nil {
		log.WithFields(log.Fields{"module": logModule, "to": to, "error": err}).Debug("UDP send failed")
	}
}

// readLoop runs in its own goroutine and injects decoded datagrams into
// the network loop. It exits on the first permanent read error, which is
// how socket closure shuts the node down.
func (t *udp) readLoop() {
	defer t.conn.Close()
	buf := make([]byte, maxPacketSize)
	for {
		nbytes, from, err := t.conn.ReadFromUDP(buf)
		if isTemporaryError(err) {
			log.WithFields(log.Fields{"module": logModule, "error": err}).Debug("temporary read error")
			continue
		} else if err != nil {
			log.WithFields(log.Fields{"module": logModule, "error": err}).Debug("read loop stopped")
			return
		}
		t.handlePacket(from, buf[:nbytes])
	}
}

// handlePacket decodes one datagram. Malformed input is dropped without
// a reply; answering junk would make the node an amplifier.
func (t *udp) handlePacket(from *net.UDPAddr, buf []byte) {
	pkt, err := krpc.Decode(buf)
	if err != nil {
		log.WithFields(log.Fields{"module": logModule, "from": from, "error": err}).Debug("bad packet")
		return
	}
	t.net.reqReadPacket(ingressPacket{remoteAddr: from, pkt: pkt})
}

// isTemporaryError reports whether a read error is worth retrying.
func isTemporaryError(err error) bool {
	tempErr, ok := err.(interface {
		Temporary() bool
	})
	return ok && tempErr.Temporary()
}
