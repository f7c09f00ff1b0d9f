package web3

import (
	"context"
	"math/big"
	"strings"
)

// TxState classifies the lifecycle of an on-chain transaction as seen
// through the RPC endpoint.
type TxState string

const (
	TxStatePending   TxState = "pending"
	TxStateConfirmed TxState = "confirmed"
	TxStateFailed    TxState = "failed"
)

// ChainSnapshot represents summarized network metadata for startup logs
// and health reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// Reader defines the read-only interface that any chain implementation must
// provide so higher layers can query different networks uniformly. All calls
// go through the gateway which owns retries and rate limiting.
type Reader interface {
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	TransactionStatus(ctx context.Context, txHash string) (TxState, error)
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

var (
	weiPerMON  = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	weiPerGwei = big.NewInt(1_000_000_000)
)

// FormatMON renders a wei amount as a MON decimal string with six fractional
// digits, matching how balances are reported to the user.
func FormatMON(wei *big.Int) string {
	if wei == nil {
		return "0.000000"
	}
	return new(big.Rat).SetFrac(wei, weiPerMON).FloatString(6)
}

// FormatGwei renders a wei amount as a gwei decimal string.
func FormatGwei(wei *big.Int) string {
	if wei == nil {
		return "0.00"
	}
	return new(big.Rat).SetFrac(wei, weiPerGwei).FloatString(2)
}

// MONToWei converts a decimal MON amount such as "1.5" into wei,
// truncating anything below one wei.
func MONToWei(amount string) (*big.Int, bool) {
	return decimalToWei(amount, weiPerMON)
}

// GweiToWei converts a decimal gwei amount into wei.
func GweiToWei(amount string) (*big.Int, bool) {
	return decimalToWei(amount, weiPerGwei)
}

func decimalToWei(amount string, unit *big.Int) (*big.Int, bool) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(amount)
	if !ok || r.Sign() < 0 {
		return nil, false
	}
	r.Mul(r, new(big.Rat).SetInt(unit))
	return new(big.Int).Quo(r.Num(), r.Denom()), true
}
