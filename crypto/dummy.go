package crypto

// dummyEncryptor completes a server handshake without transforming payloads.
// Servers use it to check that the client honours the handshake sequence.
type dummyEncryptor struct {
	state State
}

func (d *dummyEncryptor) Type() Type   { return TypeDummy }
func (d *dummyEncryptor) State() State { return d.state }

func (d *dummyEncryptor) Reset() error {
	d.state = StateHandshaking
	return nil
}

func (d *dummyEncryptor) Handshake(in string) (string, error) {
	d.state = StateEstablished
	NewLogger("dummyEncryptor.Handshake").Debug("Handshake complete")
	return "", nil
}

func (d *dummyEncryptor) PublicKey() (string, error) { return "", nil }

func (d *dummyEncryptor) Encrypt(body []byte) ([]byte, string, error) {
	if d.state != StateEstablished {
		return nil, "", ErrNotEstablished
	}
	return body, "", nil
}

func (d *dummyEncryptor) Decrypt(body []byte, header string) ([]byte, error) {
	if d.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	return body, nil
}
