package node

import (
	"net"

	log "github.com/sirupsen/logrus"
	cmn "github.com/tendermint/tmlibs/common"

	cfg "github.com/kaiserd/MlDHT/config"
	"github.com/kaiserd/MlDHT/dht"
	"github.com/kaiserd/MlDHT/dht/krpc"
	"github.com/kaiserd/MlDHT/event"
	"github.com/kaiserd/MlDHT/version"
)

const logModule = "node"

// Node runs one DHT participant: up to two independent networks, one per
// enabled address family, sharing a port number and an event mux.
type Node struct {
	cmn.BaseService

	config   *cfg.Config
	eventMux *event.TypeMux

	v4 *dht.Network
	v6 *dht.Network
}

// NewNode validates the configuration and prepares a stopped node.
func NewNode(config *cfg.Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	node := &Node{
		config:   config,
		eventMux: event.NewTypeMux(),
	}
	node.BaseService = *cmn.NewBaseService(nil, "Node", node)
	krpc.ClientVersion = version.Token()
	return node, nil
}

// OnStart binds the sockets and kicks off the bootstrap lookups.
func (n *Node) OnStart() error {
	dhtCfg := n.config.DHT
	if dhtCfg.IPv4 {
		seeds := dht.ResolveSeeds(net.LookupHost, dhtCfg.BootstrapNodes, dht.FamilyV4)
		network, err := dht.ListenDHT(dht.FamilyV4, dhtCfg.Port, seeds, n.eventMux)
		if err != nil {
			return err
		}
		n.v4 = network
	}
	if dhtCfg.IPv6 {
		seeds := dht.ResolveSeeds(net.LookupHost, dhtCfg.BootstrapNodes, dht.FamilyV6)
		network, err := dht.ListenDHT(dht.FamilyV6, dhtCfg.Port, seeds, n.eventMux)
		if err != nil {
			if n.v4 != nil {
				n.v4.Close()
			}
			return err
		}
		n.v6 = network
	}
	n.Bootstrap()
	return nil
}

// OnStop closes both networks and the event mux.
func (n *Node) OnStop() {
	n.eachNetwork(func(network *dht.Network) { network.Close() })
	n.eventMux.Stop()
	log.WithFields(log.Fields{"module": logModule}).Info("node stopped")
}

// EventMux exposes the mux carrying PeerDiscoveredEvent and
// SearchEndedEvent.
func (n *Node) EventMux() *event.TypeMux {
	return n.eventMux
}

// Bootstrap restarts the bootstrap lookup on every enabled family.
// Idempotent.
func (n *Node) Bootstrap() {
	n.eachNetwork(func(network *dht.Network) { network.Bootstrap() })
}

// Search looks up peers for infohash on every enabled family, firing cb
// once per discovered peer.
func (n *Node) Search(infohash dht.NodeID, cb dht.PeerCallback) {
	n.eachNetwork(func(network *dht.Network) { network.Search(infohash, cb) })
}

// SearchAnnounce is Search followed by announcing ourselves on the DHT
// port once each lookup converges.
func (n *Node) SearchAnnounce(infohash dht.NodeID, cb dht.PeerCallback) {
	n.eachNetwork(func(network *dht.Network) { network.SearchAnnounce(infohash, cb) })
}

// SearchAnnouncePort is SearchAnnounce with an explicit announce port.
func (n *Node) SearchAnnouncePort(infohash dht.NodeID, port uint16, cb dht.PeerCallback) {
	n.eachNetwork(func(network *dht.Network) { network.SearchAnnouncePort(infohash, port, cb) })
}

// TableSizes reports the routing table population per family.
func (n *Node) TableSizes() map[string]int {
	sizes := make(map[string]int)
	if n.v4 != nil {
		sizes["ipv4"] = n.v4.TableSize()
	}
	if n.v6 != nil {
		sizes["ipv6"] = n.v6.TableSize()
	}
	return sizes
}

func (n *Node) eachNetwork(f func(*dht.Network)) {
	if n.v4 != nil {
		f(n.v4)
	}
	if n.v6 != nil {
		f(n.v6)
	}
}

// RunForever traps the kill signal and keeps the node up until then.
func (n *Node) RunForever() {
	cmn.TrapSignal(func() {
		n.Stop()
	})
}
