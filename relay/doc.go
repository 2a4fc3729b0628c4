// Package relay implements the WebSocket relay hub.
//
// The hub pairs exactly one sender and one receiver under a pickup code and
// forwards every frame from one side to the other. It also carries the
// signaling messages used to set up a direct channel, so a failed direct
// attempt can fall back to relayed data on the same connection.
//
// # Deferred transfer-end
//
// The hub remembers each chunk-meta it forwards until the receiver acks
// that index. A transfer-end arriving while metas are outstanding is held
// and forwarded once the last one is acked, so the receiver never sees the
// end marker ahead of data still in flight.
//
// # Usage
//
//	hub := relay.NewHub(relay.DefaultConfig(), collector)
//	http.Handle("/ws", hub)
//	go hub.Run(ctx)
package relay
