package dht

import (
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kaiserd/MlDHT/dht/krpc"
	"github.com/kaiserd/MlDHT/event"
)

const (
	ingressBufferSize = 100

	pingTimeout          = 10 * time.Second
	bucketRefreshCheck   = 1 * time.Minute
	statsInterval        = 10 * time.Second
	wrongTokenMessage    = "Announce_peer with wrong token"
	maintenanceSearchTag = uint16(0) // tid tag reserved for pings
)

// Family selects one of the two independent routing tables.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "ipv6"
	}
	return "ipv4"
}

// BootstrapSeed is one resolved bootstrap endpoint. The id is zero when
// unknown; the first response fills it in.
type BootstrapSeed struct {
	ID   NodeID
	IP   net.IP
	Port uint16
}

// PeerDiscoveredEvent is posted to the event mux for every peer a
// get_peers search finds.
type PeerDiscoveredEvent struct {
	InfoHash NodeID
	IP       net.IP
	Port     uint16
}

// SearchEndedEvent is posted when a search reaches a terminal state.
type SearchEndedEvent struct {
	Target   NodeID
	Kind     string
	Peers    int
	TimedOut bool
}

type timeoutKind int

const (
	queryTimeoutEv timeoutKind = iota
	pingTimeoutEv
	searchBudgetEv
)

// timeoutEvent identifies one scheduled timer: a query or ping by its
// transaction id, a search budget by its tag.
type timeoutEvent struct {
	ev  timeoutKind
	tid string
	tag uint16
}

// pingCtx tracks an outstanding maintenance ping. When replacement is
// set the ping is revalidating a full bucket's most questionable
// occupant; silence lets the newcomer take the slot.
type pingCtx struct {
	node        *Node
	replacement *Node
}

// Network runs one DHT node on one address family: the routing table,
// the announce store, the token secrets, and every active search. All of
// that state is owned by the loop goroutine and is mutated without
// locking.
type Network struct {
	family Family
	conn   transport
	self   *Node
	seeds  []BootstrapSeed
	mux    *event.TypeMux // optional; may be nil

	closed   chan struct{}
	closeReq chan struct{}
	read     chan ingressPacket
	timeout  chan timeoutEvent
	loopOp   chan func()
	loopOpOK chan struct{}

	// State of the main loop.
	tab           *Table
	store         *AnnounceStore
	secrets       *secretStore
	searches      map[uint16]*search
	nextTag       uint16
	pendingPings  map[string]*pingCtx
	nextPingSeq   uint16
	timeoutTimers map[timeoutEvent]*time.Timer
}

// newNetwork assembles a Network around a transport. The caller starts
// ingress separately, which keeps tests free to drive the loop directly.
func newNetwork(conn transport, fam Family, seeds []BootstrapSeed, mux *event.TypeMux) *Network {
	now := time.Now()
	self := NewNode(RandomID(), conn.localAddr().IP, uint16(conn.localAddr().Port))
	n := &Network{
		family:        fam,
		conn:          conn,
		self:          self,
		seeds:         seeds,
		mux:           mux,
		closed:        make(chan struct{}),
		closeReq:      make(chan struct{}),
		read:          make(chan ingressPacket, ingressBufferSize),
		timeout:       make(chan timeoutEvent),
		loopOp:        make(chan func()),
		loopOpOK:      make(chan struct{}),
		tab:           newTable(self.ID, now),
		store:         newAnnounceStore(),
		secrets:       newSecretStore(),
		searches:      make(map[uint16]*search),
		nextTag:       maintenanceSearchTag + 1,
		pendingPings:  make(map[string]*pingCtx),
		timeoutTimers: make(map[timeoutEvent]*time.Timer),
	}
	go n.loop()
	return n
}

// ListenDHT binds a UDP socket for the family and starts the node on it.
func ListenDHT(fam Family, port uint16, seeds []BootstrapSeed, mux *event.TypeMux) (*Network, error) {
	transport, err := listenUDP(fam, port)
	if err != nil {
		return nil, err
	}
	n := newNetwork(transport, fam, seeds, mux)
	transport.net = n
	go func() {
		transport.readLoop()
		n.Close()
	}()
	log.WithFields(log.Fields{"module": logModule, "family": fam, "self": n.self}).Info("DHT listener up")
	return n, nil
}

// Close terminates the listener and the loop, cancelling every active
// search and timer.
func (n *Network) Close() {
	n.conn.Close()
	select {
	case <-n.closed:
	case n.closeReq <- struct{}{}:
		<-n.closed
	}
}

// SelfID returns the local node id.
func (n *Network) SelfID() NodeID {
	return n.self.ID
}

// TableSize returns the number of routing table entries.
func (n *Network) TableSize() (size int) {
	n.reqLoopOp(func() { size = n.tab.size() })
	return size
}

// Bootstrap starts (or restarts) the bootstrap lookup: a find_node
// search for our own id, seeded with the configured bootstrap nodes and
// whatever the table already knows. Idempotent.
func (n *Network) Bootstrap() {
	n.reqLoopOp(func() {
		n.startSearch(searchFindNode, n.self.ID, false, 0, nil)
	})
}

// Search looks up peers for infohash and fires cb for each one found.
func (n *Network) Search(infohash NodeID, cb PeerCallback) {
	n.reqLoopOp(func() {
		n.startSearch(searchGetPeers, infohash, false, 0, cb)
	})
}

// SearchAnnounce is Search followed by announcing ourselves for infohash
// with implied port once the lookup converges.
func (n *Network) SearchAnnounce(infohash NodeID, cb PeerCallback) {
	n.reqLoopOp(func() {
		n.startSearch(searchGetPeers, infohash, true, 0, cb)
	})
}

// SearchAnnouncePort is SearchAnnounce with an explicit announce port.
func (n *Network) SearchAnnouncePort(infohash NodeID, port uint16, cb PeerCallback) {
	n.reqLoopOp(func() {
		n.startSearch(searchGetPeers, infohash, true, port, cb)
	})
}

func (n *Network) reqReadPacket(pkt ingressPacket) {
	select {
	case n.read <- pkt:
	case <-n.closed:
	}
}

// reqLoopOp runs f on the loop goroutine and waits for it.
func (n *Network) reqLoopOp(f func()) bool {
	select {
	case n.loopOp <- f:
		<-n.loopOpOK
		return true
	case <-n.closed:
		return false
	}
}

func (n *Network) loop() {
	secretTicker := time.NewTicker(secretRotateInterval)
	refreshTicker := time.NewTicker(bucketRefreshCheck)
	statsTicker := time.NewTicker(statsInterval)
	defer secretTicker.Stop()
	defer refreshTicker.Stop()
	defer statsTicker.Stop()

loop:
	for {
		select {
		case <-n.closeReq:
			break loop

		case pkt := <-n.read:
			n.handleIngress(pkt)

		case tev := <-n.timeout:
			if n.timeoutTimers[tev] == nil {
				// Stale timer (was aborted).
				continue
			}
			delete(n.timeoutTimers, tev)
			n.handleTimeout(tev)

		case f := <-n.loopOp:
			f()
			n.loopOpOK <- struct{}{}

		case <-secretTicker.C:
			n.secrets.rotate()

		case <-refreshTicker.C:
			n.refreshStaleBuckets()

		case <-statsTicker.C:
			log.WithFields(log.Fields{
				"module":   logModule,
				"family":   n.family,
				"nodes":    n.tab.size(),
				"searches": len(n.searches),
				"stored":   n.store.size(),
			}).Debug("dht stats")
		}
	}

	log.WithFields(log.Fields{"module": logModule, "family": n.family}).Debug("loop stopped, shutting down")
	n.conn.Close()
	for _, timer := range n.timeoutTimers {
		timer.Stop()
	}
	for tag := range n.searches {
		n.endSearch(n.searches[tag], true)
	}
	close(n.closed)
}

// Everything below runs on the loop goroutine and can modify the table,
// the searches and the stores without locking.

func (n *Network) handleIngress(in ingressPacket) {
	pkt := in.pkt
	log.WithFields(log.Fields{
		"module": logModule,
		"family": n.family,
		"kind":   pkt.Kind,
		"from":   in.remoteAddr,
	}).Debug("handle ingress msg")

	switch pkt.Kind {
	case krpc.PingQuery:
		n.touchSender(pkt, in.remoteAddr, evQueryRecv)
		payload, err := krpc.NewPingReply(pkt.TID, krpc.ID(n.self.ID))
		n.reply(in.remoteAddr, payload, err)

	case krpc.FindNodeQuery:
		n.touchSender(pkt, in.remoteAddr, evQueryRecv)
		nodes, nodes6 := n.closestNodeInfo(NodeID(pkt.Target))
		payload, err := krpc.NewFindNodeReply(pkt.TID, krpc.ID(n.self.ID), nodes, nodes6)
		n.reply(in.remoteAddr, payload, err)

	case krpc.GetPeersQuery:
		n.touchSender(pkt, in.remoteAddr, evQueryRecv)
		token := n.secrets.mint(in.remoteAddr.IP, uint16(in.remoteAddr.Port))
		infohash := NodeID(pkt.InfoHash)
		var payload []byte
		var err error
		if peers := n.store.get(infohash, time.Now()); len(peers) > 0 {
			payload, err = krpc.NewGetPeersReply(pkt.TID, krpc.ID(n.self.ID), token, nil, nil, peers)
		} else {
			nodes, nodes6 := n.closestNodeInfo(infohash)
			payload, err = krpc.NewGetPeersReply(pkt.TID, krpc.ID(n.self.ID), token, nodes, nodes6, nil)
		}
		n.reply(in.remoteAddr, payload, err)

	case krpc.AnnouncePeerQuery:
		n.touchSender(pkt, in.remoteAddr, evQueryRecv)
		srcPort := uint16(in.remoteAddr.Port)
		if !n.secrets.validate(pkt.Token, in.remoteAddr.IP, srcPort) {
			log.WithFields(log.Fields{"module": logModule, "from": in.remoteAddr}).Debug("announce with wrong token")
			payload, err := krpc.NewErrorReply(pkt.TID, krpc.CodeProtocolError, wrongTokenMessage)
			n.reply(in.remoteAddr, payload, err)
			return
		}
		port := pkt.Port
		if pkt.ImpliedPort || port == 0 {
			port = srcPort
		}
		n.store.put(NodeID(pkt.InfoHash), in.remoteAddr.IP, port, time.Now())
		payload, err := krpc.NewPingReply(pkt.TID, krpc.ID(n.self.ID))
		n.reply(in.remoteAddr, payload, err)

	case krpc.PingReply, krpc.FindNodeReply, krpc.GetPeersReply:
		n.touchSender(pkt, in.remoteAddr, evRespRecv)
		n.routeResponse(in)

	case krpc.ErrorReply:
		log.WithFields(log.Fields{
			"module": logModule,
			"from":   in.remoteAddr,
			"code":   pkt.ErrCode,
			"msg":    pkt.ErrMsg,
		}).Debug("error reply")

	default:
		log.WithFields(log.Fields{"module": logModule, "from": in.remoteAddr}).Debug("dropping invalid message")
	}
}

// touchSender updates liveness for the message sender, creating a record
// on first sight. A full bucket turns the insert into a revalidation
// ping against its most questionable occupant.
func (n *Network) touchSender(pkt *krpc.Packet, addr *net.UDPAddr, ev livenessEvent) {
	id := NodeID(pkt.SenderID)
	now := time.Now()
	if node := n.tab.get(id); node != nil {
		n.tab.touch(id, ev, now)
		return
	}
	newcomer := NewNode(id, addr.IP, uint16(addr.Port))
	newcomer.touch(ev, now)
	if candidate := n.tab.add(newcomer, now); candidate != nil {
		n.startPing(candidate, newcomer)
	}
}

// routeResponse hands a response to its owner: a maintenance ping or the
// search encoded in the transaction id. Unknown tids are dropped
// silently.
func (n *Network) routeResponse(in ingressPacket) {
	tid := in.pkt.TID
	if ctx, ok := n.pendingPings[tid]; ok {
		delete(n.pendingPings, tid)
		n.abortTimedEvent(timeoutEvent{ev: pingTimeoutEv, tid: tid})
		n.handlePong(ctx)
		return
	}
	tag, ok := tagOfTID(tid)
	if !ok {
		return
	}
	s, ok := n.searches[tag]
	if !ok {
		return
	}
	sn := s.handleReply(tid, in.pkt, n.family == FamilyV6)
	if sn == nil {
		return
	}
	n.abortTimedEvent(timeoutEvent{ev: queryTimeoutEv, tid: tid})
	n.addResponder(sn, in.remoteAddr)
	n.stepSearch(s)
}

// handlePong settles a maintenance ping. A live answer keeps the
// occupant and discards the deferred newcomer.
func (n *Network) handlePong(ctx *pingCtx) {
	n.tab.touch(ctx.node.ID, evRespRecv, time.Now())
	if ctx.replacement != nil {
		log.WithFields(log.Fields{
			"module": logModule,
			"node":   ctx.node,
		}).Debug("questionable node answered, newcomer dropped")
	}
}

// addResponder files a node that answered a search query into the table.
func (n *Network) addResponder(sn *searchNode, addr *net.UDPAddr) {
	now := time.Now()
	if node := n.tab.get(sn.id); node != nil {
		n.tab.touch(sn.id, evRespRecv, now)
		return
	}
	node := NewNode(sn.id, addr.IP, uint16(addr.Port))
	node.touch(evRespRecv, now)
	if candidate := n.tab.add(node, now); candidate != nil {
		n.startPing(candidate, node)
	}
}

func (n *Network) handleTimeout(tev timeoutEvent) {
	switch tev.ev {
	case pingTimeoutEv:
		ctx, ok := n.pendingPings[tev.tid]
		if !ok {
			return
		}
		delete(n.pendingPings, tev.tid)
		now := time.Now()
		n.tab.touch(ctx.node.ID, evQueryTimeout, now)
		if ctx.replacement != nil {
			log.WithFields(log.Fields{
				"module": logModule,
				"node":   ctx.node,
			}).Debug("questionable node silent, replaced")
			n.tab.replace(ctx.node, ctx.replacement, now)
		}

	case queryTimeoutEv:
		tag, ok := tagOfTID(tev.tid)
		if !ok {
			return
		}
		s, ok := n.searches[tag]
		if !ok {
			return
		}
		sn := s.handleTimeout(tev.tid)
		if sn != nil && !sn.id.IsZero() {
			n.tab.touch(sn.id, evQueryTimeout, time.Now())
		}
		n.stepSearch(s)

	case searchBudgetEv:
		s, ok := n.searches[tev.tag]
		if !ok {
			return
		}
		log.WithFields(log.Fields{
			"module": logModule,
			"family": n.family,
			"target": s.target,
			"kind":   s.kind,
		}).Debug("search budget exhausted")
		n.endSearch(s, true)
	}
}

// startPing sends a maintenance ping. With a replacement attached it
// revalidates a bucket occupant under eviction pressure.
func (n *Network) startPing(node *Node, replacement *Node) {
	n.nextPingSeq++
	tid := string([]byte{
		byte(maintenanceSearchTag >> 8), byte(maintenanceSearchTag),
		byte(n.nextPingSeq >> 8), byte(n.nextPingSeq),
	})
	payload, err := krpc.NewPingQuery(tid, krpc.ID(n.self.ID))
	if err != nil {
		return
	}
	n.pendingPings[tid] = &pingCtx{node: node, replacement: replacement}
	n.tab.touch(node.ID, evQuerySent, time.Now())
	n.conn.sendPacket(node.addr(), payload)
	n.timedEvent(pingTimeout, timeoutEvent{ev: pingTimeoutEv, tid: tid})
}

// startSearch creates a search, seeds its shortlist from the table and
// the bootstrap nodes, and issues the first queries.
func (n *Network) startSearch(kind searchKind, target NodeID, announce bool, port uint16, cb PeerCallback) *search {
	tag := n.allocSearchTag()
	s := newSearch(tag, kind, target, time.Now())
	s.announce = announce
	s.port = port
	s.callback = n.wrapCallback(target, cb)

	for _, node := range n.tab.closest(target, bucketSize, time.Now()) {
		s.addCandidate(node.ID, node.IP, node.Port)
	}
	for _, seed := range n.seeds {
		s.addCandidate(seed.ID, seed.IP, seed.Port)
	}
	n.searches[tag] = s
	n.timedEvent(searchBudget, timeoutEvent{ev: searchBudgetEv, tag: tag})
	log.WithFields(log.Fields{
		"module": logModule,
		"family": n.family,
		"kind":   kind,
		"target": target,
	}).Debug("search started")
	n.stepSearch(s)
	return s
}

func (n *Network) allocSearchTag() uint16 {
	for {
		if n.nextTag == maintenanceSearchTag {
			n.nextTag++
		}
		tag := n.nextTag
		n.nextTag++
		if _, inUse := n.searches[tag]; !inUse {
			return tag
		}
	}
}

// postEvent hands an event to the mux without letting a slow subscriber
// stall the loop.
func (n *Network) postEvent(ev interface{}) {
	if n.mux == nil {
		return
	}
	go n.mux.Post(ev)
}

// wrapCallback fans discovered peers out to the event mux and the user
// callback.
func (n *Network) wrapCallback(infohash NodeID, cb PeerCallback) PeerCallback {
	if n.mux == nil {
		return cb
	}
	return func(ip net.IP, port uint16) {
		n.postEvent(PeerDiscoveredEvent{InfoHash: infohash, IP: ip, Port: port})
		if cb != nil {
			cb(ip, port)
		}
	}
}

// stepSearch tops the search up to alpha in-flight queries and finishes
// it once converged.
func (n *Network) stepSearch(s *search) {
	if s.finished {
		return
	}
	for len(s.pending) < alpha {
		sn := s.nextCandidate()
		if sn == nil {
			break
		}
		tid := s.newTID()
		var payload []byte
		var err error
		switch s.kind {
		case searchFindNode:
			payload, err = krpc.NewFindNodeQuery(tid, krpc.ID(n.self.ID), krpc.ID(s.target))
		case searchGetPeers:
			payload, err = krpc.NewGetPeersQuery(tid, krpc.ID(n.self.ID), krpc.ID(s.target))
		}
		if err != nil {
			continue
		}
		s.pending[tid] = sn
		if !sn.id.IsZero() {
			n.tab.touch(sn.id, evQuerySent, time.Now())
		}
		n.conn.sendPacket(sn.udpAddr(), payload)
		n.timedEvent(searchQueryTimeout, timeoutEvent{ev: queryTimeoutEv, tid: tid})
	}
	if s.converged() {
		n.endSearch(s, false)
	}
}

// endSearch runs the optional announce round and tears the search down.
// Announce requests are fire-and-forget.
func (n *Network) endSearch(s *search, timedOut bool) {
	if s.finished {
		return
	}
	s.finished = true

	if !timedOut && s.announce && s.kind == searchGetPeers {
		n.announcePeers(s)
	}
	for tid := range s.pending {
		n.abortTimedEvent(timeoutEvent{ev: queryTimeoutEv, tid: tid})
	}
	n.abortTimedEvent(timeoutEvent{ev: searchBudgetEv, tag: s.tag})
	delete(n.searches, s.tag)

	n.postEvent(SearchEndedEvent{
		Target:   s.target,
		Kind:     s.kind.String(),
		Peers:    len(s.seenPeers),
		TimedOut: timedOut,
	})
	log.WithFields(log.Fields{
		"module":   logModule,
		"family":   n.family,
		"kind":     s.kind,
		"target":   s.target,
		"peers":    len(s.seenPeers),
		"queried":  len(s.known),
		"timedOut": timedOut,
		"duration": time.Since(s.startedAt),
	}).Debug("search ended")
}

func (n *Network) announcePeers(s *search) {
	port := s.port
	impliedPort := port == 0
	if impliedPort {
		port = uint16(n.conn.localAddr().Port)
	}
	for _, sn := range s.announceTargets() {
		tid := s.newTID()
		payload, err := krpc.NewAnnouncePeerQuery(tid, krpc.ID(n.self.ID), krpc.ID(s.target), port, impliedPort, sn.token)
		if err != nil {
			continue
		}
		n.conn.sendPacket(sn.udpAddr(), payload)
	}
}

// refreshStaleBuckets looks up a random id inside every bucket that has
// not changed for a while.
func (n *Network) refreshStaleBuckets() {
	for _, target := range n.tab.refreshTargets(time.Now()) {
		n.startSearch(searchFindNode, target, false, 0, nil)
	}
}

// closestNodeInfo builds the nodes/nodes6 payload for a reply. One of
// the two lists is always empty: a table only holds its own family.
func (n *Network) closestNodeInfo(target NodeID) (nodes, nodes6 []krpc.NodeInfo) {
	for _, node := range n.tab.closest(target, bucketSize, time.Now()) {
		ni := krpc.NodeInfo{ID: krpc.ID(node.ID), IP: node.IP, Port: node.Port}
		if n.family == FamilyV6 {
			nodes6 = append(nodes6, ni)
		} else {
			nodes = append(nodes, ni)
		}
	}
	return nodes, nodes6
}

func (n *Network) reply(to *net.UDPAddr, payload []byte, err error) {
	if err != nil {
		log.WithFields(log.Fields{"module": logModule, "error": err}).Error("encoding reply failed")
		return
	}
	n.conn.sendPacket(to, payload)
}

func (n *Network) timedEvent(d time.Duration, tev timeoutEvent) {
	n.timeoutTimers[tev] = time.AfterFunc(d, func() {
		select {
		case n.timeout <- tev:
		case <-n.closed:
		}
	})
}

func (n *Network) abortTimedEvent(tev timeoutEvent) {
	if timer := n.timeoutTimers[tev]; timer != nil {
		timer.Stop()
		delete(n.timeoutTimers, tev)
	}
}
