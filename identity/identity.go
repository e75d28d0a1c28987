// Package identity provides the node's Ed25519 keypair: persistent
// load-or-create, signing, and verification. Consensus does not consume it;
// it names the node in logs and the status feed, and a future transaction
// layer would sign with it.
package identity

import (
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Identity is a node keypair with its derived peer ID
type Identity struct {
	priv crypto.PrivKey
	id   peer.ID
}

// LoadOrCreate loads the private key at path, generating and saving a new
// Ed25519 key if the file does not exist
func LoadOrCreate(path string) (*Identity, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
		if err != nil {
			return nil, fmt.Errorf("identity: generate key: %w", err)
		}

		keyBytes, err := crypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("identity: marshal key: %w", err)
		}
		if err := os.WriteFile(path, keyBytes, 0600); err != nil {
			return nil, fmt.Errorf("identity: save key to %s: %w", path, err)
		}
		return fromPriv(priv)
	}

	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read key from %s: %w", path, err)
	}
	priv, err := crypto.UnmarshalPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal key: %w", err)
	}
	return fromPriv(priv)
}

func fromPriv(priv crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPublicKey(priv.GetPublic())
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}
	return &Identity{priv: priv, id: id}, nil
}

// ID returns the node's peer ID string
func (i *Identity) ID() string {
	return i.id.String()
}

// Sign signs data with the node key
func (i *Identity) Sign(data []byte) ([]byte, error) {
	return i.priv.Sign(data)
}

// Verify checks sig over data against the node's public key
func (i *Identity) Verify(data, sig []byte) (bool, error) {
	return i.priv.GetPublic().Verify(data, sig)
}

// PublicKeyBytes returns the raw public key bytes
func (i *Identity) PublicKeyBytes() ([]byte, error) {
	return i.priv.GetPublic().Raw()
}
