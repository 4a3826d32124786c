// Package crypto implements the per-message encryption collaborators a transport
// negotiates with the server.
//
// Each cipher is identified on the wire by its integer Type, which prefixes the
// ENC header of every encrypted frame ("<type>-<cipher header>"). Ciphers come in
// two flavours:
//
//   - Server-handshake ciphers (TypeDummy, TypeTable) start in StateHandshaking and
//     wait for the server's first frame to carry their handshake header. Handshake
//     may return a reply header the client sends back as a key-exchange frame.
//
//   - Key-exchange ciphers (TypeChaCha20) derive their keys locally from an
//     ephemeral X25519 key pair and the server's published static key. They are
//     established as soon as Reset succeeds; PublicKey returns the header the
//     client must send before any encrypted traffic.
//
// Example:
//
//	enc, err := crypto.New(crypto.TypeChaCha20, crypto.Options{ServerPublicKey: serverKeyHex})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pub, _ := enc.PublicKey()          // send as ENC: 4-<pub>
//	body, hdr, err := enc.Encrypt(raw) // send as ENC: 4-<hdr>
package crypto
