package dht

import (
	"context"
	"fmt"

	pb "github.com/libp2p/go-libp2p-kad-dht/pb"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-msgio/pbio"
)

// Replicator stores a record on one remote peer and reports whether that
// peer accepted it
type Replicator interface {
	PutRecordTo(ctx context.Context, p peer.ID, key string, value []byte) error
}

// HostReplicator sends PUT_VALUE requests over the DHT wire protocol
type HostReplicator struct {
	messenger *pb.ProtocolMessenger
}

var _ Replicator = (*HostReplicator)(nil)

// NewHostReplicator speaks proto (the full DHT protocol id, prefix included)
// through h
func NewHostReplicator(h host.Host, proto protocol.ID) (*HostReplicator, error) {
	pm, err := pb.NewProtocolMessenger(&streamSender{host: h, proto: proto})
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT messenger: %w", err)
	}
	return &HostReplicator{messenger: pm}, nil
}

// PutRecordTo asks p to store value under key. The peer validates the
// record and echoes it back; a rejection resets the stream.
func (r *HostReplicator) PutRecordTo(ctx context.Context, p peer.ID, key string, value []byte) error {
	if err := r.messenger.PutValue(ctx, p, record.MakePutRecord(key, value)); err != nil {
		return fmt.Errorf("peer %s did not store record: %w", p.ShortString(), err)
	}
	return nil
}

// streamSender opens one stream per request
type streamSender struct {
	host  host.Host
	proto protocol.ID
}

func (s *streamSender) SendRequest(ctx context.Context, p peer.ID, req *pb.Message) (*pb.Message, error) {
	st, err := s.send(ctx, p, req)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	resp := new(pb.Message)
	if err := pbio.NewDelimitedReader(st, network.MessageSizeMax).ReadMsg(resp); err != nil {
		_ = st.Reset()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

func (s *streamSender) SendMessage(ctx context.Context, p peer.ID, msg *pb.Message) error {
	st, err := s.send(ctx, p, msg)
	if err != nil {
		return err
	}
	return st.Close()
}

func (s *streamSender) send(ctx context.Context, p peer.ID, msg *pb.Message) (network.Stream, error) {
	st, err := s.host.NewStream(ctx, p, s.proto)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}
	if err := pbio.NewDelimitedWriter(st).WriteMsg(msg); err != nil {
		_ = st.Reset()
		return nil, fmt.Errorf("failed to write request: %w", err)
	}
	return st, nil
}
