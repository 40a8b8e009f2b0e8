// Package protocol implements the wire format of the voice substream.
//
// Every libp2p stream negotiated for ProtocolID carries a sequence of
// self-delimiting frames. A byte buffer may hold zero, one or several frames,
// and a trailing partial frame stays buffered until more bytes arrive.
//
// # Frame Format
//
//   - Length (uvarint): size of the body that follows
//   - Kind (1 byte): 0x01 VoicePacket, 0x02 VoiceConnect, 0x03 VoiceDisconnect
//   - Fields: each string or byte field is a uvarint length followed by the bytes
//
// Field order per kind:
//   - VoicePacket: codec, data, channel
//   - VoiceConnect: channel
//   - VoiceDisconnect: channel
//
// # Usage Example
//
//	frame := protocol.Encode(protocol.VoiceConnect{Channel: "general"})
//	stream.Write(frame)
//
//	var buf bytes.Buffer
//	buf.Write(readBytes)
//	for {
//	    pkt, ok, err := protocol.Decode(&buf)
//	    if err != nil || !ok {
//	        break
//	    }
//	    handle(pkt)
//	}
//
// # Compatibility
//
// Frames larger than MaxFrameSize and unknown kinds are rejected; a peer that
// sends one is treated as broken and its connection is torn down.
package protocol
