package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeMint is the mint address used for native SOL throughout the
// aggregator API.
const NativeMint = "So11111111111111111111111111111111111111112"

// PaymentRequirement is one entry of a 402 body's `accepts` list, normalized
// to canonical field names. Amounts are atomic units of the asset,
// string-encoded because Go has no uint256.
type PaymentRequirement struct {
	Network string `json:"network" validate:"required"`
	Asset   string `json:"asset" validate:"required"`
	Amount  string `json:"amount" validate:"required"`
	Address string `json:"address" validate:"required"`

	// Alternative field names seen in the wild; folded into the canonical
	// fields during parsing.
	TokenMint         string `json:"token_mint,omitempty"`
	AmountRequired    string `json:"amount_required,omitempty"`
	MaxAmountRequired string `json:"maxAmountRequired,omitempty"`
	PayTo             string `json:"payTo,omitempty"`
}

// PaymentResponse is the raw shape of an x402 response body.
type PaymentResponse struct {
	X402Version int                  `json:"x402Version,omitempty"`
	Accepts     []PaymentRequirement `json:"accepts"`
	Error       string               `json:"error,omitempty"`
}

// ParsedPayment is the result of parsing a 402 body: the supported options
// plus the one the agent will act on.
type ParsedPayment struct {
	Requirements []PaymentRequirement `json:"payment_requirements"`
	Recommended  PaymentRequirement   `json:"recommended"`
	TotalOptions int                  `json:"total_options"`
}

// BalanceSnapshot is a wallet's holding of one asset at the time of the
// query. It is never reused across a swap boundary.
type BalanceSnapshot struct {
	WalletAddress string `json:"wallet_address"`
	TokenMint     string `json:"token_mint"`
	Amount        string `json:"balance"`
	Decimals      int    `json:"decimals"`
}

// QuoteEstimate is one aggregator quote. Transient; recomputed whenever the
// input amount changes.
type QuoteEstimate struct {
	InputAmount    string `json:"input_amount"`
	OutputAmount   string `json:"output_amount"`
	OutputAfterFee string `json:"output_after_fee"`
	FeeAmount      string `json:"fee_amount"`
	FeeBps         int    `json:"fee_bps,omitempty"`
}

// SwapBuild is an unsigned swap transaction returned by the aggregator.
type SwapBuild struct {
	Transaction    string `json:"transaction"`
	OutputAmount   string `json:"output_amount"`
	OutputAfterFee string `json:"output_after_fee"`
	FeeAmount      string `json:"fee_amount"`
}

// SendResult is the submission acknowledgement for a signed transaction.
type SendResult struct {
	Signature string `json:"signature"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// TransactionStatus reports the on-chain state of a submitted transaction.
// Error is kept raw because upstream shapes vary: a {code,message} object, a
// bare string, or an irregular nested structure.
type TransactionStatus struct {
	Signature string          `json:"signature"`
	Status    string          `json:"status"`
	Confirmed bool            `json:"confirmed"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// AutoPayResult is the terminal, immutable output of one orchestration run.
// Partial progress is visible through which signature fields are populated.
type AutoPayResult struct {
	Success          bool   `json:"success"`
	PaymentSignature string `json:"payment_signature,omitempty"`
	SwapSignature    string `json:"swap_signature,omitempty"`
	PaymentProof     string `json:"payment_proof,omitempty"`
	Error            string `json:"error,omitempty"`
	Message          string `json:"message,omitempty"`
}

// AgentError carries a machine-readable code alongside the message.
type AgentError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *AgentError) Error() string {
	return e.Message
}

// Errorf builds an AgentError with a formatted message.
func Errorf(code, format string, args ...interface{}) *AgentError {
	return &AgentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Common error codes
const (
	ErrParse             = "PARSE_ERROR"
	ErrUnsupportedNet    = "UNSUPPORTED_NETWORK"
	ErrBalanceCheck      = "BALANCE_CHECK_FAILED"
	ErrQuote             = "QUOTE_FAILED"
	ErrSwapInsufficient  = "SWAP_INSUFFICIENT"
	ErrSend              = "SEND_FAILED"
	ErrConfirmTimeout    = "CONFIRMATION_TIMEOUT"
	ErrTransactionFailed = "TRANSACTION_FAILED"
	ErrReplay            = "REPLAY_FAILED"
	ErrNoTokenAccount    = "NO_TOKEN_ACCOUNT"
	ErrConfig            = "CONFIG_ERROR"
	ErrPaymentCeiling    = "PAYMENT_CEILING_EXCEEDED"
)

// RequiredAmount returns the requirement's amount as an integer, preferring
// the canonical field over the legacy aliases.
func (r *PaymentRequirement) RequiredAmount() (*big.Int, error) {
	raw := r.Amount
	if raw == "" {
		raw = r.AmountRequired
	}
	if raw == "" {
		raw = r.MaxAmountRequired
	}
	return ParseAmount(raw)
}

// Recipient returns the payment destination, preferring the canonical
// address field over the legacy aliases.
func (r *PaymentRequirement) Recipient() string {
	if r.Address != "" {
		return r.Address
	}
	if r.PayTo != "" {
		return r.PayTo
	}
	return r.TokenMint
}

// ParseAmount parses a string-encoded atomic amount into a non-negative
// integer. Malformed or fractional input is rejected so that no
// amount-determining arithmetic ever passes through floating point.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return n, nil
}

// FormatAmount renders an atomic amount in whole-token units for logs and
// messages. Display only; never feeds back into amount arithmetic.
func FormatAmount(amount *big.Int, decimals int) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
