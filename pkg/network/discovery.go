package network

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// MDNSServiceName is the service tag announced on the local network
const MDNSServiceName = "theman"

// mdnsNotifee forwards each newly discovered LAN peer to the reactor once
type mdnsNotifee struct {
	self peer.ID
	sink func(swarmEvent) bool

	mu   sync.Mutex
	seen map[peer.ID]bool
}

func newMDNSNotifee(self peer.ID, sink func(swarmEvent) bool) *mdnsNotifee {
	return &mdnsNotifee{
		self: self,
		sink: sink,
		seen: make(map[peer.ID]bool),
	}
}

// HandlePeerFound implements mdns.Notifee
func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.self {
		return
	}

	n.mu.Lock()
	if n.seen[pi.ID] {
		n.mu.Unlock()
		return
	}
	n.seen[pi.ID] = true
	n.mu.Unlock()

	log.Debugf("mDNS discovered %s", pi.ID.ShortString())
	n.sink(peerDiscovered{info: pi})
}

// forget lets a peer be reported again after it disconnected
func (n *mdnsNotifee) forget(p peer.ID) {
	n.mu.Lock()
	delete(n.seen, p)
	n.mu.Unlock()
}

func startMDNS(h host.Host, notifee *mdnsNotifee) (mdns.Service, error) {
	svc := mdns.NewMdnsService(h, MDNSServiceName, notifee)
	if err := svc.Start(); err != nil {
		return nil, err
	}
	return svc, nil
}
