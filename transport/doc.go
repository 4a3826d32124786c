// Package transport implements the client side of one physical session channel.
//
// A Transport owns a single connection kind (TCP stream, UDP datagram, HTTP
// request/response or WebSocket full-duplex socket) and drives it through the
// connection state machine:
//
//	Unknown -> Connecting -> Handshaking (stream kinds only) -> Connected
//	        -> WaitForSessionId -> WaitForAck (reliable recovery only) -> Established
//
// # Concurrency
//
// Physical I/O runs on goroutines that never touch transport state directly.
// Dial and read completions are queued as events, and all state transitions
// happen inside Update, which the host calls periodically with the elapsed
// time. Timers (connect timeout, keep-alive, reconnect backoff, HTTP request
// timeout) are advanced by Update as well; the package starts no timers of its
// own. Every connection attempt carries a generation number, and completions
// from an older generation are discarded, so Stop never has to wait for an
// in-progress socket call to return.
//
// Callbacks registered with SetCallbacks are always invoked from Update with no
// transport lock held, so they may call back into the transport.
//
// # Physical links
//
// The Link interface isolates socket I/O from the state machine. The default
// factory returns TCP, UDP, HTTP (github.com/imroc/req/v3) or WebSocket
// (github.com/gorilla/websocket) links; tests inject in-memory links through
// Options.LinkFactory.
//
// # Example
//
//	opts := transport.DefaultOptions(transport.TCP)
//	opts.Addresses = []transport.Address{{Host: "127.0.0.1", Port: 8012}}
//	t, err := transport.New(transport.TCP, message.EncodingJSON, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	t.SetCallbacks(transport.Callbacks{
//	    Received: func(t *transport.Transport, m *message.Message) { ... },
//	})
//	t.Start()
//	for range time.Tick(33 * time.Millisecond) {
//	    t.Update(33 * time.Millisecond)
//	}
package transport
