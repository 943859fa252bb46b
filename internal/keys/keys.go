// Package keys wraps the signature primitive used by the relay. A channel is
// addressed by an ed25519 public key; senders hold the matching private key and
// sign everything they publish to the channel.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// IDSize is the byte length of a channel id (an ed25519 public key).
const IDSize = ed25519.PublicKeySize

// Verify reports whether signature is a valid signature of body under the
// channel id. Malformed ids never panic; they simply fail verification.
func Verify(id, signature, body []byte) bool {
	if len(id) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id), body, signature)
}

// Sender signs messages for one channel.
type Sender struct {
	priv ed25519.PrivateKey
}

// Sign signs data with the channel's private key.
func (s *Sender) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// Channel is a keypair: the public id plus the sender half.
type Channel struct {
	ID     []byte
	Sender *Sender
}

// IDBase64 returns the channel id in its wire form.
func (c *Channel) IDBase64() string {
	return base64.StdEncoding.EncodeToString(c.ID)
}

// IDHex returns the channel id in its storage form.
func (c *Channel) IDHex() string {
	return fmt.Sprintf("%x", c.ID)
}

// NewChannel generates a fresh channel keypair.
func NewChannel() (*Channel, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate channel key: %w", err)
	}
	return &Channel{ID: pub, Sender: &Sender{priv: priv}}, nil
}
