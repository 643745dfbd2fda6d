package wallet

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solpot/pot-engine/internal/model"
)

// RPCBalances reads live wallet balances from a Solana RPC node.
type RPCBalances struct {
	client *rpc.Client
}

// NewRPCBalances creates a balance reader for the given RPC endpoint.
func NewRPCBalances(endpoint string) *RPCBalances {
	return &RPCBalances{client: rpc.New(endpoint)}
}

// Balance returns the owner's holdings of mint in smallest units.
// Native SOL reads the account lamports; tokens read the associated
// token account, with a missing account counting as zero.
func (b *RPCBalances) Balance(ctx context.Context, owner solana.PublicKey, mint string) (uint64, error) {
	if mint == model.SolMint {
		out, err := b.client.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
		if err != nil {
			return 0, fmt.Errorf("sol balance of %s: %w", owner, err)
		}
		return out.Value, nil
	}

	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return 0, fmt.Errorf("mint address: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mintKey)
	if err != nil {
		return 0, fmt.Errorf("derive token account: %w", err)
	}

	out, err := b.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		// No token account means no holdings, not a failure.
		if strings.Contains(err.Error(), "could not find account") {
			return 0, nil
		}
		return 0, fmt.Errorf("token balance of %s: %w", mint, err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}
	return strconv.ParseUint(out.Value.Amount, 10, 64)
}
