// Package transport provides the framed, ordered channels that relaydrop
// sessions run over, and the JSON control messages carried on them.
//
// # Architecture
//
// Every channel satisfies the Transport interface:
//
//	type Transport interface {
//	    SendMessage(msg *Message) error
//	    SendBinary(data []byte) error
//	    Frames() <-chan Frame
//	    BufferedAmount() uint64
//	    State() State
//	    Close() error
//	}
//
// A Frame is either a control Message or a binary chunk payload. Frames
// sent on one end arrive in order on the peer's Frames channel, which is
// closed when the channel goes away.
//
// # Implementations
//
// WebSocket (relay plane and signaling):
//
//	tr, err := transport.DialWebSocket(ctx, "ws://relay.example.com/ws", transport.DefaultWebSocketOptions())
//
// WebRTC data channel (direct plane):
//
//	tr := transport.NewDataChannelTransport(dc)
//	<-tr.Opened()
//
// In-memory pipe (tests and in-process wiring):
//
//	a, b := transport.NewPipe()
//	a.SetHook(func(f transport.Frame) (transport.Frame, bool) {
//	    return f, !f.IsBinary() // drop every payload
//	})
//
// # Backpressure
//
// BufferedAmount reports bytes queued locally but not yet handed to the
// network. Senders poll it against a ceiling before queuing the next chunk.
//
// # Messages
//
// Control messages are small JSON envelopes ({"type": ..., "payload": ...})
// bounded by limits.MaxControlMessage. ParseMessage rejects unknown types.
// Send encodes a payload struct and queues it in one call:
//
//	err := transport.Send(tr, transport.MessageAck, transport.Ack{Index: 3})
package transport
