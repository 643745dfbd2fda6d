// Package wallet handles keypair generation and vault-address decoding.
//
// A pot's vault field carries one of two shapes, decided at creation and
// decoded exactly once at load: a JSON keypair array (the engine holds
// the vault's key and signs directly) or a base58 program-vault address
// (funds live in an on-chain vault; spending goes through the delegated
// swap protocol). Callers branch on the returned Vault type, never on
// the raw string.
package wallet

import (
	"encoding/json"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/solpot/pot-engine/internal/fault"
)

// Keypair is a generated signing key. Secret is base58 and must never
// reach a client-facing response.
type Keypair struct {
	PublicKey string
	Secret    string
}

// NewKeypair generates a fresh ed25519 keypair.
func NewKeypair() (Keypair, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return Keypair{}, fault.Wrap(fault.External, err, "keypair generation failed")
	}
	return Keypair{
		PublicKey: key.PublicKey().String(),
		Secret:    key.String(),
	}, nil
}

// ParseSecret decodes a base58 secret key.
func ParseSecret(secret string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(secret)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "malformed secret key")
	}
	return key, nil
}

// ValidateAddress checks that addr is a well-formed base58 public key.
func ValidateAddress(addr string) error {
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fault.Wrap(fault.Validation, err, "invalid wallet address %q", addr)
	}
	return nil
}

// Vault is a pot's fund container, one of WalletVault or ProgramVault.
type Vault interface {
	// Address is the on-chain account holding the pot's assets.
	Address() solana.PublicKey

	// Delegated reports whether spending requires the authorize/revoke
	// delegation protocol. False means the engine signs directly.
	Delegated() bool
}

// WalletVault is a keypair-controlled vault: the engine custodies the
// key and signs spends itself.
type WalletVault struct {
	Key solana.PrivateKey
}

func (v WalletVault) Address() solana.PublicKey { return v.Key.PublicKey() }
func (v WalletVault) Delegated() bool           { return false }

// ProgramVault is an on-chain vault account. Seed reproduces the vault
// derivation for the delegate/revoke instructions.
type ProgramVault struct {
	Seed string
	Addr solana.PublicKey
}

func (v ProgramVault) Address() solana.PublicKey { return v.Addr }
func (v ProgramVault) Delegated() bool           { return true }

// ParseVault decodes a stored vault field. A JSON byte array is a wallet
// keypair; anything else must be a base58 program-vault address. seed is
// attached to program vaults only.
func ParseVault(stored, seed string) (Vault, error) {
	if strings.HasPrefix(strings.TrimSpace(stored), "[") {
		// Keygen-file format: a JSON array of byte values.
		var raw []int
		if err := json.Unmarshal([]byte(stored), &raw); err != nil {
			return nil, fault.Wrap(fault.Validation, err, "malformed vault keypair")
		}
		if len(raw) != 64 {
			return nil, fault.New(fault.Validation, "vault keypair is not a valid ed25519 key")
		}
		buf := make([]byte, len(raw))
		for i, v := range raw {
			if v < 0 || v > 255 {
				return nil, fault.New(fault.Validation, "vault keypair is not a valid ed25519 key")
			}
			buf[i] = byte(v)
		}
		return WalletVault{Key: solana.PrivateKey(buf)}, nil
	}

	addr, err := solana.PublicKeyFromBase58(stored)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "vault is neither a keypair nor a valid address")
	}
	return ProgramVault{Seed: seed, Addr: addr}, nil
}

// EncodeWalletVault serializes a keypair for storage in the vault field,
// in the keygen-file byte-array format ParseVault expects.
func EncodeWalletVault(key solana.PrivateKey) (string, error) {
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
