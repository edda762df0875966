package types

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	tmos "github.com/tendermint/market/libs/os"
)

// NodeKey is the persistent identity key of a trader. Its TraderID is the
// fingerprint of the public key.
type NodeKey struct {
	TraderID TraderID
	PrivKey  ed25519.PrivateKey
}

type nodeKeyJSON struct {
	TraderID TraderID `json:"trader_id"`
	Seed     []byte   `json:"priv_key"`
}

// TraderIDFromPubKey returns hex(sha256(pubKey)[:20]).
func TraderIDFromPubKey(pubKey ed25519.PublicKey) TraderID {
	sum := sha256.Sum256(pubKey)
	id, _ := TraderIDFromBytes(sum[:TraderIDByteLength])
	return id
}

// GenNodeKey generates a new node key.
func GenNodeKey() NodeKey {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return NodeKey{TraderID: TraderIDFromPubKey(pub), PrivKey: priv}
}

// PubKey returns the public half of the key.
func (nk NodeKey) PubKey() ed25519.PublicKey {
	return nk.PrivKey.Public().(ed25519.PublicKey)
}

// Sign signs msg with the node key.
func (nk NodeKey) Sign(msg []byte) []byte {
	return ed25519.Sign(nk.PrivKey, msg)
}

// VerifySignature checks sig over msg against pubKey.
func VerifySignature(pubKey ed25519.PublicKey, msg, sig []byte) bool {
	if len(pubKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pubKey, msg, sig)
}

// SaveAs persists the NodeKey to filePath.
func (nk NodeKey) SaveAs(filePath string) error {
	bz, err := json.Marshal(nodeKeyJSON{TraderID: nk.TraderID, Seed: nk.PrivKey.Seed()})
	if err != nil {
		return err
	}
	return tmos.WriteFileAtomic(filePath, bz, 0600)
}

// LoadNodeKey loads a NodeKey from filePath.
func LoadNodeKey(filePath string) (NodeKey, error) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return NodeKey{}, err
	}
	var raw nodeKeyJSON
	if err := json.Unmarshal(bz, &raw); err != nil {
		return NodeKey{}, fmt.Errorf("decoding node key %s: %w", filePath, err)
	}
	if len(raw.Seed) != ed25519.SeedSize {
		return NodeKey{}, fmt.Errorf("node key %s: bad seed length %d", filePath, len(raw.Seed))
	}
	priv := ed25519.NewKeyFromSeed(raw.Seed)
	nk := NodeKey{TraderID: TraderIDFromPubKey(priv.Public().(ed25519.PublicKey)), PrivKey: priv}
	if raw.TraderID != "" && raw.TraderID != nk.TraderID {
		return NodeKey{}, fmt.Errorf("node key %s: trader id %s does not match key", filePath, raw.TraderID)
	}
	return nk, nil
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (NodeKey, error) {
	if tmos.FileExists(filePath) {
		return LoadNodeKey(filePath)
	}

	nodeKey := GenNodeKey()
	if err := nodeKey.SaveAs(filePath); err != nil {
		return NodeKey{}, err
	}
	return nodeKey, nil
}
