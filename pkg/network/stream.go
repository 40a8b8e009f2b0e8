package network

import (
	"context"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/ZentaChain/theman/pkg/protocol"
)

// streamOpener opens voice substreams on a libp2p host
type streamOpener struct {
	host host.Host
}

func (o streamOpener) OpenStream(ctx context.Context, p peer.ID) (io.ReadWriteCloser, error) {
	return o.host.NewStream(ctx, p, protocol.ProtocolID)
}

// voiceStreamHandler forwards inbound voice substreams to the reactor
func voiceStreamHandler(sink func(swarmEvent) bool) libp2pnetwork.StreamHandler {
	return func(s libp2pnetwork.Stream) {
		ev := inboundVoiceStream{peer: s.Conn().RemotePeer(), stream: s}
		if !sink(ev) {
			s.Reset()
		}
	}
}

func resetStream(s io.ReadWriteCloser) {
	if r, ok := s.(interface{ Reset() error }); ok {
		r.Reset()
		return
	}
	s.Close()
}
