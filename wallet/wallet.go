// Package wallet owns the agent's key material: it signs base64-encoded
// transactions and builds native SOL / SPL token payment transactions.
package wallet

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	ata "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/moltydex/autopay-go/logger"
	"github.com/moltydex/autopay-go/types"
)

// chainReader is the slice of the RPC surface transaction building needs.
// *rpc.Client satisfies it; tests swap in a fake.
type chainReader interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
}

// Wallet holds one canonical keypair, resolved from whichever key-material
// form the config supplies.
type Wallet struct {
	key    solana.PrivateKey
	pub    solana.PublicKey
	reader chainReader
	log    logger.Logger
}

// Option customizes a Wallet.
type Option func(*Wallet)

func WithChainReader(r chainReader) Option {
	return func(w *Wallet) { w.reader = r }
}

func WithLogger(l logger.Logger) Option {
	return func(w *Wallet) { w.log = l }
}

// New resolves the configured key material and connects to the RPC endpoint.
func New(cfg *types.AgentConfig, opts ...Option) (*Wallet, error) {
	key, err := resolveKey(cfg)
	if err != nil {
		return nil, err
	}

	w := &Wallet{
		key: key,
		pub: key.PublicKey(),
		log: logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.reader == nil {
		rpcURL := cfg.RPCURL
		if rpcURL == "" {
			rpcURL = types.DefaultRPCURL
		}
		w.reader = rpc.New(rpcURL)
	}

	if err := verifyAddress(w.pub, cfg.WalletAddress); err != nil {
		return nil, err
	}
	return w, nil
}

// Address returns the wallet's public key in base58.
func (w *Wallet) Address() string {
	return w.pub.String()
}

// SignTransaction signs a base64-encoded transaction and returns the signed
// transaction, base64-encoded. The wire decoder sniffs the message version
// prefix, so both versioned and legacy encodings land here; payloads that
// decode as neither are rejected.
func (w *Wallet) SignTransaction(txBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("invalid transaction base64: %w", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("failed to decode transaction: %w", err)
	}

	// Only our own signature slot is filled; co-signers stay untouched.
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.pub) {
			return &w.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize signed transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signed), nil
}

// BuildPayment builds an unsigned payment transaction for the given atomic
// amount. Native SOL uses a system transfer; any other mint resolves the
// holding accounts, creating the recipient's at the payer's expense when it
// does not exist yet. The sender's holding account is never created here: a
// sender without one cannot hold the asset in the first place.
func (w *Wallet) BuildPayment(ctx context.Context, recipient, mint, amount string) (string, error) {
	recipientPk, err := solana.PublicKeyFromBase58(recipient)
	if err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}
	lamports, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid payment amount %q: %w", amount, err)
	}

	var instrs []solana.Instruction
	if mint == types.NativeMint {
		instrs = append(instrs,
			system.NewTransferInstruction(lamports, w.pub, recipientPk).Build())
	} else {
		instrs, err = w.tokenTransferInstructions(ctx, recipientPk, mint, lamports)
		if err != nil {
			return "", err
		}
	}

	blockhash, err := w.reader.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return "", fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instrs, blockhash.Value.Blockhash, solana.TransactionPayer(w.pub))
	if err != nil {
		return "", fmt.Errorf("failed to build payment transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize payment transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (w *Wallet) tokenTransferInstructions(ctx context.Context, recipient solana.PublicKey, mint string, amount uint64) ([]solana.Instruction, error) {
	mintPk, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return nil, fmt.Errorf("invalid token mint: %w", err)
	}

	senderATA, _, err := solana.FindAssociatedTokenAddress(w.pub, mintPk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive sender token account: %w", err)
	}
	recipientATA, _, err := solana.FindAssociatedTokenAddress(recipient, mintPk)
	if err != nil {
		return nil, fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	if _, err := w.reader.GetAccountInfo(ctx, senderATA); err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, types.Errorf(types.ErrNoTokenAccount,
				"no token account for mint %s: the wallet must already hold the asset", mint)
		}
		return nil, fmt.Errorf("failed to look up sender token account: %w", err)
	}

	var instrs []solana.Instruction
	if _, err := w.reader.GetAccountInfo(ctx, recipientATA); err != nil {
		if !errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up recipient token account: %w", err)
		}
		w.log.Info("creating recipient token account", map[string]any{
			"account": recipientATA.String(),
			"mint":    mint,
		})
		instrs = append(instrs, ata.NewCreateInstruction(w.pub, recipient, mintPk).Build())
	}

	instrs = append(instrs,
		token.NewTransferInstruction(amount, senderATA, recipientATA, w.pub, nil).Build())
	return instrs, nil
}
