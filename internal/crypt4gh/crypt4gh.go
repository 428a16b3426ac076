// internal/crypt4gh/crypt4gh.go
// Package crypt4gh implements single-recipient Crypt4GH envelope encryption
// (X25519 key agreement + ChaCha20-Poly1305) used for recipient-bound wrapping
// of tokens. Only the holder of the matching private key can open an envelope.
package crypt4gh

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// ErrInvalidKey is returned when a recipient key cannot be decoded.
var ErrInvalidKey = errors.New("invalid Crypt4GH key")

const (
	// magic bytes that start every Crypt4GH envelope
	magic = "crypt4gh"
	// version of the envelope format
	version = 1
	// encryption method identifier for X25519 + ChaCha20-Poly1305
	methodX25519ChaCha20 = 0
	// maximum plaintext bytes per body segment
	segmentSize = 65536
)

var (
	rePEMPrivate = regexp.MustCompile(`-.*PRIVATE.*-`)
	rePEMPublic  = regexp.MustCompile(`-----(BEGIN|END) CRYPT4GH PUBLIC KEY-----`)
)

// KeyPair holds a raw X25519 key pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh X25519 key pair using crypto-strong randomness.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// PublicKeyBase64 returns the public key in base64 encoding as exchanged with users.
func (kp *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.Public[:])
}

// ValidatePublicKey validates a base64 encoded public key as submitted by users.
// PEM-style framing lines are stripped, keys that look like private keys are
// rejected, and the remainder must decode to exactly 32 bytes.
// The normalized base64 key is returned.
func ValidatePublicKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: key must be a non-empty string", ErrInvalidKey)
	}
	if rePEMPrivate.MatchString(key) {
		return "", fmt.Errorf("%w: do not pass a private key", ErrInvalidKey)
	}
	key = strings.TrimSpace(rePEMPublic.ReplaceAllString(key, ""))
	if _, err := decodeKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// decodeKey decodes a base64 encoded X25519 key into its raw 32 bytes.
func decodeKey(key string) ([32]byte, error) {
	var raw [32]byte
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		// user agents occasionally hand over URL-safe base64
		decoded, err = base64.URLEncoding.DecodeString(strings.TrimSpace(key))
		if err != nil {
			return raw, fmt.Errorf("%w: %s", ErrInvalidKey, "not valid base64")
		}
	}
	if len(decoded) != 32 {
		return raw, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(decoded))
	}
	copy(raw[:], decoded)
	return raw, nil
}

// deriveSharedKey derives the symmetric key protecting a header packet from an
// X25519 shared secret and both party public keys, writer side or reader side.
func deriveSharedKey(secret, readerPub, writerPub []byte) ([]byte, error) {
	hash, err := blake2b.New512(nil)
	if err != nil {
		return nil, err
	}
	hash.Write(secret)
	hash.Write(readerPub)
	hash.Write(writerPub)
	return hash.Sum(nil)[:chacha20poly1305.KeySize], nil
}

// Encrypt wraps the payload in a single-recipient Crypt4GH envelope for the
// given base64 encoded recipient public key. The result is raw envelope bytes.
func Encrypt(payload []byte, recipientPublicKey string) ([]byte, error) {
	readerPub, err := decodeKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}

	// ephemeral writer key pair, one per envelope
	writer, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(writer.Private[:], readerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, "key agreement failed")
	}
	headerKey, err := deriveSharedKey(secret, readerPub[:], writer.Public[:])
	if err != nil {
		return nil, err
	}

	// data encryption key for the body segments
	dataKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, err
	}

	// header packet content: packet type, data encryption method, data key
	packet := make([]byte, 0, 8+len(dataKey))
	packet = binary.LittleEndian.AppendUint32(packet, 0) // data encryption parameters
	packet = binary.LittleEndian.AppendUint32(packet, methodX25519ChaCha20)
	packet = append(packet, dataKey...)

	headerAEAD, err := chacha20poly1305.New(headerKey)
	if err != nil {
		return nil, err
	}
	headerNonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(headerNonce); err != nil {
		return nil, err
	}
	sealedPacket := headerAEAD.Seal(nil, headerNonce, packet, nil)

	var buf bytes.Buffer
	buf.WriteString(magic)
	binary.Write(&buf, binary.LittleEndian, uint32(version))
	binary.Write(&buf, binary.LittleEndian, uint32(1)) // packet count

	// packet length includes the length field itself
	packetLen := 4 + 4 + 32 + len(headerNonce) + len(sealedPacket)
	binary.Write(&buf, binary.LittleEndian, uint32(packetLen))
	binary.Write(&buf, binary.LittleEndian, uint32(methodX25519ChaCha20))
	buf.Write(writer.Public[:])
	buf.Write(headerNonce)
	buf.Write(sealedPacket)

	// body: independently sealed segments of up to segmentSize plaintext bytes
	bodyAEAD, err := chacha20poly1305.New(dataKey)
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(payload) || start == 0; start += segmentSize {
		end := start + segmentSize
		if end > len(payload) {
			end = len(payload)
		}
		nonce := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		buf.Write(nonce)
		buf.Write(bodyAEAD.Seal(nil, nonce, payload[start:end], nil))
		if end == len(payload) {
			break
		}
	}

	return buf.Bytes(), nil
}

// EncryptBase64 encrypts the payload for the given recipient and returns the
// envelope in base64 encoding, the form in which tokens are handed to users.
func EncryptBase64(payload []byte, recipientPublicKey string) (string, error) {
	envelope, err := Encrypt(payload, recipientPublicKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Decrypt opens a Crypt4GH envelope with the given private key and returns the
// payload bytes. Used by tests and by downstream services holding user keys.
func Decrypt(envelope []byte, privateKey [32]byte) ([]byte, error) {
	if len(envelope) < 16 || string(envelope[:8]) != magic {
		return nil, errors.New("not a Crypt4GH envelope")
	}
	if v := binary.LittleEndian.Uint32(envelope[8:12]); v != version {
		return nil, fmt.Errorf("unsupported envelope version %d", v)
	}
	count := binary.LittleEndian.Uint32(envelope[12:16])
	offset := 16

	readerPub, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	var dataKey []byte
	for i := uint32(0); i < count; i++ {
		if len(envelope) < offset+4 {
			return nil, errors.New("truncated envelope header")
		}
		packetLen := int(binary.LittleEndian.Uint32(envelope[offset : offset+4]))
		if packetLen < 4+4+32+chacha20poly1305.NonceSize || len(envelope) < offset+packetLen {
			return nil, errors.New("truncated envelope header packet")
		}
		packet := envelope[offset+4 : offset+packetLen]
		offset += packetLen

		if binary.LittleEndian.Uint32(packet[:4]) != methodX25519ChaCha20 {
			continue
		}
		writerPub := packet[4:36]
		nonce := packet[36 : 36+chacha20poly1305.NonceSize]
		sealed := packet[36+chacha20poly1305.NonceSize:]

		secret, err := curve25519.X25519(privateKey[:], writerPub)
		if err != nil {
			continue
		}
		headerKey, err := deriveSharedKey(secret, readerPub, writerPub)
		if err != nil {
			continue
		}
		aead, err := chacha20poly1305.New(headerKey)
		if err != nil {
			continue
		}
		content, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil || len(content) < 8+chacha20poly1305.KeySize {
			continue
		}
		if binary.LittleEndian.Uint32(content[:4]) != 0 {
			continue
		}
		dataKey = content[8 : 8+chacha20poly1305.KeySize]
		break
	}
	if dataKey == nil {
		return nil, errors.New("envelope is not addressed to this key")
	}

	bodyAEAD, err := chacha20poly1305.New(dataKey)
	if err != nil {
		return nil, err
	}
	var payload bytes.Buffer
	for offset < len(envelope) {
		if len(envelope) < offset+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
			return nil, errors.New("truncated envelope body")
		}
		nonce := envelope[offset : offset+chacha20poly1305.NonceSize]
		offset += chacha20poly1305.NonceSize
		end := offset + segmentSize + chacha20poly1305.Overhead
		if end > len(envelope) {
			end = len(envelope)
		}
		segment, err := bodyAEAD.Open(nil, nonce, envelope[offset:end], nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open envelope segment: %w", err)
		}
		payload.Write(segment)
		offset = end
	}
	return payload.Bytes(), nil
}

// DecryptBase64 decodes a base64 envelope and opens it with the given private key.
func DecryptBase64(envelope string, privateKey [32]byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("envelope is not valid base64: %w", err)
	}
	return Decrypt(raw, privateKey)
}
