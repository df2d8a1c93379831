package advisory

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"swarmshare/pkg/types"
)

// Envelope format: [nonce][ciphertext+tag], ChaCha20-Poly1305 with a random
// nonce per message. Key distribution belongs to the side channel's own
// protocol and stays outside this package.

// Carrier moves opaque envelopes to a user's devices.
type Carrier interface {
	Send(target types.UserID, envelope []byte) error
}

// SealedSender seals advisories before handing them to a Carrier.
type SealedSender struct {
	key     []byte
	carrier Carrier
}

func NewSealedSender(key []byte, carrier Carrier) (*SealedSender, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("advisory key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &SealedSender{key: key, carrier: carrier}, nil
}

func (s *SealedSender) SendAdvisory(targets []types.UserID, adv Advisory) error {
	envelope, err := Seal(s.key, adv)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if err := s.carrier.Send(target, envelope); err != nil {
			return fmt.Errorf("deliver advisory to %s: %w", target, err)
		}
	}
	return nil
}

// Seal encrypts an advisory into a self-contained envelope.
func Seal(key []byte, adv Advisory) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(adv)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenEnvelope decrypts and decodes an envelope produced by Seal.
func OpenEnvelope(key []byte, envelope []byte) (Advisory, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Advisory{}, err
	}
	if len(envelope) < chacha20poly1305.NonceSize {
		return Advisory{}, fmt.Errorf("envelope too short: %d bytes", len(envelope))
	}

	nonce, ciphertext := envelope[:chacha20poly1305.NonceSize], envelope[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Advisory{}, fmt.Errorf("open envelope: %w", err)
	}

	var adv Advisory
	if err := json.Unmarshal(plaintext, &adv); err != nil {
		return Advisory{}, fmt.Errorf("decode advisory: %w", err)
	}
	return adv, nil
}
