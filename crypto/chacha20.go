package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived ChaCha20 keys.
	KeySize = 32

	infoClientToServer = "c2s"
	infoServerToClient = "s2c"
)

// chacha20Encryptor derives directional ChaCha20 keys from an ephemeral X25519
// exchange with the server's static key.
type chacha20Encryptor struct {
	serverKeyHex string
	rand         io.Reader

	state     State
	keyPair   noise.DHKey
	sendKey   []byte
	recvKey   []byte
	sendCount uint64
}

func (c *chacha20Encryptor) Type() Type   { return TypeChaCha20 }
func (c *chacha20Encryptor) State() State { return c.state }

// Reset generates a fresh ephemeral key pair and derives new session keys.
func (c *chacha20Encryptor) Reset() error {
	c.wipe()

	serverKey, err := hex.DecodeString(c.serverKeyHex)
	if err != nil || len(serverKey) != KeySize {
		c.state = StateUnknown
		return ErrMissingServerKey
	}

	random := c.rand
	if random == nil {
		random = rand.Reader
	}
	kp, err := noise.DH25519.GenerateKeypair(random)
	if err != nil {
		c.state = StateUnknown
		return fmt.Errorf("generate ephemeral key: %w", err)
	}

	shared, err := noise.DH25519.DH(kp.Private, serverKey)
	if err != nil {
		ZeroBytes(kp.Private)
		c.state = StateUnknown
		return fmt.Errorf("key agreement: %w", err)
	}
	defer ZeroBytes(shared)

	c.sendKey, c.recvKey, err = DeriveKeys(shared, kp.Public, serverKey)
	if err != nil {
		ZeroBytes(kp.Private)
		c.state = StateUnknown
		return err
	}
	ZeroBytes(kp.Private)
	c.keyPair = kp
	c.sendCount = 0
	c.state = StateEstablished

	NewLogger("chacha20Encryptor.Reset").
		WithFields(SecureFieldHash(kp.Public, "ephemeral_public")).
		Debug("Derived session keys")
	return nil
}

func (c *chacha20Encryptor) wipe() {
	ZeroBytes(c.keyPair.Private)
	ZeroBytes(c.sendKey)
	ZeroBytes(c.recvKey)
	c.keyPair = noise.DHKey{}
	c.sendKey, c.recvKey = nil, nil
}

// Handshake is a no-op; key exchange is driven by PublicKey.
func (c *chacha20Encryptor) Handshake(in string) (string, error) {
	return "", nil
}

func (c *chacha20Encryptor) PublicKey() (string, error) {
	if c.state != StateEstablished {
		return "", ErrNotEstablished
	}
	return hex.EncodeToString(c.keyPair.Public), nil
}

func (c *chacha20Encryptor) Encrypt(body []byte) ([]byte, string, error) {
	if c.state != StateEstablished {
		return nil, "", ErrNotEstablished
	}
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.sendCount)
	c.sendCount++

	out, err := xorStream(c.sendKey, nonce, body)
	if err != nil {
		return nil, "", err
	}
	return out, hex.EncodeToString(nonce), nil
}

func (c *chacha20Encryptor) Decrypt(body []byte, header string) ([]byte, error) {
	if c.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	nonce, err := hex.DecodeString(header)
	if err != nil || len(nonce) != chacha20.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce %q", ErrInvalidHeader, header)
	}
	return xorStream(c.recvKey, nonce, body)
}

func xorStream(key, nonce, body []byte) ([]byte, error) {
	stream, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, fmt.Errorf("chacha20 cipher: %w", err)
	}
	out := make([]byte, len(body))
	stream.XORKeyStream(out, body)
	return out, nil
}

// DeriveKeys expands an X25519 shared secret into the client-to-server and
// server-to-client ChaCha20 keys. The salt binds both public keys.
func DeriveKeys(shared, clientPublic, serverPublic []byte) (c2s, s2c []byte, err error) {
	salt := make([]byte, 0, len(clientPublic)+len(serverPublic))
	salt = append(salt, clientPublic...)
	salt = append(salt, serverPublic...)

	c2s = make([]byte, KeySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(infoClientToServer)), c2s); err != nil {
		return nil, nil, fmt.Errorf("derive c2s key: %w", err)
	}
	s2c = make([]byte, KeySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(infoServerToClient)), s2c); err != nil {
		ZeroBytes(c2s)
		return nil, nil, fmt.Errorf("derive s2c key: %w", err)
	}
	return c2s, s2c, nil
}

// ServerSession is the server side of a chacha20 exchange. It is used by
// simulated servers to talk to a client that announced clientPublicHex.
type ServerSession struct {
	sendKey   []byte
	recvKey   []byte
	sendCount uint64
}

// NewServerSession derives the server side keys from the server's static key
// pair and the client's announced ephemeral public key.
func NewServerSession(serverKey noise.DHKey, clientPublicHex string) (*ServerSession, error) {
	clientPublic, err := hex.DecodeString(clientPublicHex)
	if err != nil || len(clientPublic) != KeySize {
		return nil, fmt.Errorf("%w: client public key", ErrInvalidHeader)
	}
	shared, err := noise.DH25519.DH(serverKey.Private, clientPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	defer ZeroBytes(shared)
	c2s, s2c, err := DeriveKeys(shared, clientPublic, serverKey.Public)
	if err != nil {
		return nil, err
	}
	return &ServerSession{sendKey: s2c, recvKey: c2s}, nil
}

// Encrypt encrypts a server-to-client payload.
func (s *ServerSession) Encrypt(body []byte) ([]byte, string, error) {
	nonce := make([]byte, chacha20.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], s.sendCount)
	s.sendCount++
	out, err := xorStream(s.sendKey, nonce, body)
	if err != nil {
		return nil, "", err
	}
	return out, hex.EncodeToString(nonce), nil
}

// Decrypt decrypts a client-to-server payload.
func (s *ServerSession) Decrypt(body []byte, header string) ([]byte, error) {
	nonce, err := hex.DecodeString(header)
	if err != nil || len(nonce) != chacha20.NonceSize {
		return nil, fmt.Errorf("%w: bad nonce %q", ErrInvalidHeader, header)
	}
	return xorStream(s.recvKey, nonce, body)
}

// GenerateServerKey creates a static server key pair.
func GenerateServerKey(random io.Reader) (noise.DHKey, error) {
	if random == nil {
		random = rand.Reader
	}
	return noise.DH25519.GenerateKeypair(random)
}
