package swap

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solpot/pot-engine/internal/wallet"
)

// RPCChain implements Chain against a Solana RPC node.
type RPCChain struct {
	client      *rpc.Client
	confirmTick time.Duration
}

// NewRPCChain creates a chain client for the given RPC endpoint.
func NewRPCChain(endpoint string) *RPCChain {
	return &RPCChain{
		client:      rpc.New(endpoint),
		confirmTick: 2 * time.Second,
	}
}

// SetDelegate approves delegate to spend up to amount of the vault's
// mint holdings. The admin key signs: it is the vault's spend authority
// in both vault modes.
func (c *RPCChain) SetDelegate(ctx context.Context, admin solana.PrivateKey, vault wallet.Vault, delegate solana.PublicKey, mint string, amount uint64) error {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return fmt.Errorf("delegate mint: %w", err)
	}
	source, _, err := solana.FindAssociatedTokenAddress(vault.Address(), mintKey)
	if err != nil {
		return fmt.Errorf("derive vault token account: %w", err)
	}

	ix := token.NewApproveInstruction(amount, source, delegate, admin.PublicKey(), nil).Build()
	return c.signAndSend(ctx, admin, ix)
}

// RevokeDelegate removes all delegate authority on the vault's mint
// holdings. Revoke clears the whole allowance, so it is safe to call
// even when the swap spent part or none of it.
func (c *RPCChain) RevokeDelegate(ctx context.Context, admin solana.PrivateKey, vault wallet.Vault, mint string) error {
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return fmt.Errorf("revoke mint: %w", err)
	}
	source, _, err := solana.FindAssociatedTokenAddress(vault.Address(), mintKey)
	if err != nil {
		return fmt.Errorf("derive vault token account: %w", err)
	}

	ix := token.NewRevokeInstruction(source, admin.PublicKey(), nil).Build()
	return c.signAndSend(ctx, admin, ix)
}

// SubmitSigned decodes the aggregator's base64 transaction, signs it
// with key, and submits it.
func (c *RPCChain) SubmitSigned(ctx context.Context, blob []byte, key solana.PrivateKey) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(string(blob))
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("parse transaction: %w", err)
	}

	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(key.PublicKey()) {
			return &key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// Confirm polls until the signature reaches confirmed commitment, the
// transaction errors, or ctx expires.
func (c *RPCChain) Confirm(ctx context.Context, signature string) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	ticker := time.NewTicker(c.confirmTick)
	defer ticker.Stop()
	for {
		out, err := c.client.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction failed on chain: %v", st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation timeout for %s: %w", signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *RPCChain) signAndSend(ctx context.Context, signer solana.PrivateKey, ix solana.Instruction) error {
	recent, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return fmt.Errorf("latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		recent.Value.Blockhash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(func(pub solana.PublicKey) *solana.PrivateKey {
		if pub.Equals(signer.PublicKey()) {
			return &signer
		}
		return nil
	}); err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return err
	}
	return c.Confirm(ctx, sig.String())
}
