package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// TableSeedSize is the size of the seed the server sends in its handshake.
const TableSeedSize = 32

// tableEncryptor is a byte substitution cipher keyed by a server supplied seed.
type tableEncryptor struct {
	state   State
	forward [256]byte
	inverse [256]byte
}

func (t *tableEncryptor) Type() Type   { return TypeTable }
func (t *tableEncryptor) State() State { return t.state }

func (t *tableEncryptor) Reset() error {
	for i := range t.forward {
		t.forward[i] = byte(i)
		t.inverse[i] = byte(i)
	}
	t.state = StateHandshaking
	return nil
}

// Handshake builds the substitution table from the hex seed and returns a short
// confirmation digest of the table.
func (t *tableEncryptor) Handshake(in string) (string, error) {
	seed, err := hex.DecodeString(in)
	if err != nil || len(seed) != TableSeedSize {
		return "", fmt.Errorf("%w: table seed must be %d hex bytes", ErrInvalidHeader, TableSeedSize)
	}

	forward, err := BuildTable(seed)
	ZeroBytes(seed)
	if err != nil {
		return "", err
	}
	t.forward = forward
	for i, b := range t.forward {
		t.inverse[b] = byte(i)
	}
	t.state = StateEstablished

	sum := sha256.Sum256(t.forward[:])
	NewLogger("tableEncryptor.Handshake").
		WithFields(SecureFieldHash(sum[:], "table_digest")).
		Debug("Substitution table established")
	return hex.EncodeToString(sum[:8]), nil
}

func (t *tableEncryptor) PublicKey() (string, error) { return "", nil }

func (t *tableEncryptor) Encrypt(body []byte) ([]byte, string, error) {
	if t.state != StateEstablished {
		return nil, "", ErrNotEstablished
	}
	out := make([]byte, len(body))
	for i, b := range body {
		out[i] = t.forward[b]
	}
	return out, "", nil
}

func (t *tableEncryptor) Decrypt(body []byte, header string) ([]byte, error) {
	if t.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	out := make([]byte, len(body))
	for i, b := range body {
		out[i] = t.inverse[b]
	}
	return out, nil
}

// BuildTable derives a byte permutation from a 32 byte seed by shuffling the
// identity table with a ChaCha20 keystream. Servers use the same derivation.
func BuildTable(seed []byte) ([256]byte, error) {
	var table [256]byte
	stream, err := chacha20.NewUnauthenticatedCipher(seed, make([]byte, chacha20.NonceSize))
	if err != nil {
		return table, fmt.Errorf("table keystream: %w", err)
	}
	for i := range table {
		table[i] = byte(i)
	}
	var buf [4]byte
	for i := len(table) - 1; i > 0; i-- {
		buf = [4]byte{}
		stream.XORKeyStream(buf[:], buf[:])
		j := int(binary.LittleEndian.Uint32(buf[:]) % uint32(i+1))
		table[i], table[j] = table[j], table[i]
	}
	return table, nil
}
