// Package sessionnet implements the client side of a reconnect-resilient
// server session carried over one or more transports.
//
// A Session owns at most one transport per protocol (TCP, UDP, HTTP and
// WebSocket) and presents them to the application as a single message stream
// identified by a server-assigned session id. Messages sent before the id is
// known are queued and flushed, stamped with the id, once it arrives. In
// reliable mode the TCP and WebSocket transports number every message and
// retransmit what the server has not acknowledged after a reconnect.
//
// # Getting Started
//
//	options := sessionnet.NewOptions()
//	options.Reliable = true
//
//	session, err := sessionnet.New("game.example.com", options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	session.RegisterHandler("login", func(msgType string, body []byte) {
//	    fmt.Printf("login reply: %s\n", body)
//	})
//	session.OnSessionEvent(func(ev sessionnet.SessionEvent, sid string) {
//	    fmt.Printf("session %s: %s\n", sid, ev)
//	})
//
//	if err := session.Connect(transport.TCP, message.EncodingJSON, 8012, nil); err != nil {
//	    log.Fatal(err)
//	}
//	session.SendMessage("login", map[string]string{"user": "bob"})
//
//	for {
//	    session.Update(33 * time.Millisecond)
//	    time.Sleep(33 * time.Millisecond)
//	}
//
// # Update Loop
//
// Network I/O runs on background goroutines, but every state change, timer and
// callback is applied inside Update. Callbacks never run concurrently with
// each other and may call back into the session.
//
// # Redirect
//
// A server may move the session to other hosts. The session stops every
// transport, connects the new set, presents the server's token and reports
// RedirectSucceeded or RedirectFailed. Other session and transport events are
// suppressed while a redirect is in progress. OnTransportOptions lets the
// application choose transport options per server flavor; the resolver runs
// with the session locked and must not call back into it.
//
// # Configuration
//
// LoadConfig reads a TOML file with a [session] table and one [[transport]]
// entry per protocol; NewFromConfig turns it into a connected session.
package sessionnet
