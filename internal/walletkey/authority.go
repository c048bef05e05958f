package walletkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Authority is the server-side settlement signer: a secp256k1 keypair
// used to authenticate the Settlement Driver to the on-chain program's
// configured server authority (the `authority.secret` config). Session
// keys authenticating end-user intents are ed25519 (see walletkey.go);
// the authority key is kept on a distinct curve so that compromising one
// never yields the other.
type Authority struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  []byte
	Address    string
	CreatedAt  time.Time
}

// NewAuthority generates a fresh authority keypair, for use by
// cmd/netsettle-keygen.
func NewAuthority() (*Authority, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate authority key: %w", err)
	}
	return authorityFromPrivateKey(priv), nil
}

// ImportAuthority reconstructs an Authority from a hex-encoded secret,
// the form persisted in `authority.secret`.
func ImportAuthority(secretHex string) (*Authority, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("invalid authority secret encoding: %w", err)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv == nil {
		return nil, fmt.Errorf("invalid authority secret")
	}
	return authorityFromPrivateKey(priv), nil
}

func authorityFromPrivateKey(priv *btcec.PrivateKey) *Authority {
	pub := priv.PubKey().SerializeCompressed()
	sum := sha256.Sum256(pub)
	return &Authority{
		PrivateKey: priv,
		PublicKey:  pub,
		Address:    EncodeBase58(sum[:]),
		CreatedAt:  time.Now(),
	}
}

// ExportSecret renders the private key as the hex string persisted in
// `authority.secret`.
func (a *Authority) ExportSecret() string {
	return hex.EncodeToString(a.PrivateKey.Serialize())
}

// SignPayload signs the canonical settlement payload bytes, producing the
// authority signature the on-chain instruction's signer check expects.
func (a *Authority) SignPayload(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(a.PrivateKey, digest[:])
	return sig.Serialize(), nil
}
