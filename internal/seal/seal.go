// Package seal encrypts sensitive configuration values at rest.
//
// Sealed values use a versioned envelope: 0x01 | nonce | AES-256-GCM
// ciphertext, base64 (std) encoded so they fit a TEXT column on every store
// driver. The data key is derived with HKDF-SHA256 from master key material
// that is kept outside the store. Losing the master key makes every sealed
// value permanently unreadable; there is no recovery path.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of the master key material in bytes.
	KeySize = 32

	envelopeV1 byte = 0x01
	hkdfInfo        = "gatehouse/config-store/v1"
)

var (
	ErrMalformed = errors.New("seal: malformed envelope")
	ErrOpen      = errors.New("seal: authentication failed")
)

// Sealer encrypts and decrypts values with one derived data key.
// It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// GenerateKey returns fresh master key material.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("seal: generate key: %w", err)
	}
	return k, nil
}

// New derives the data key from master and prepares the AEAD.
func New(master []byte) (*Sealer, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("seal: master key must be %d bytes, got %d", KeySize, len(master))
	}
	dk := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(hkdfInfo)), dk); err != nil {
		return nil, fmt.Errorf("seal: derive key: %w", err)
	}
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext. aad binds the ciphertext to its row (for example
// identity/module/key) so a value copied onto another row fails to open.
func (s *Sealer) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	ct := s.aead.Seal(nil, nonce, plaintext, aad)
	out := make([]byte, 1+len(nonce)+len(ct))
	out[0] = envelopeV1
	copy(out[1:1+len(nonce)], nonce)
	copy(out[1+len(nonce):], ct)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string, aad []byte) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrMalformed
	}
	if len(blob) < 1+s.aead.NonceSize()+s.aead.Overhead() || blob[0] != envelopeV1 {
		return nil, ErrMalformed
	}
	nonce := blob[1 : 1+s.aead.NonceSize()]
	plain, err := s.aead.Open(nil, nonce, blob[1+s.aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
