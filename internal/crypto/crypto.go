// Package crypto seals account secrets before they are written to the database.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrMalformed = errors.New("crypto: sealed value too short")

type Sealer struct{ aead cipher.AEAD }

func New(key []byte) (*Sealer, error) {
	a, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &Sealer{aead: a}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext as raw base64.
// label is bound as additional data, so a value sealed for one account
// cannot be replayed onto another.
func (s *Sealer) Seal(plaintext, label string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	buf := s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(label))
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

func (s *Sealer) Open(sealed, label string) (string, error) {
	buf, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(buf) < ns+s.aead.Overhead() {
		return "", ErrMalformed
	}
	pt, err := s.aead.Open(nil, buf[:ns], buf[ns:], []byte(label))
	if err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	return string(pt), nil
}
