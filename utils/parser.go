package utils

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/moltydex/autopay-go/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ParsePaymentResponse extracts payment options from a 402 response body.
// Entries are filtered to supported networks; the first supported entry is
// the recommended requirement. Parsing the same body twice yields the same
// recommendation.
func ParsePaymentResponse(body []byte) (*types.ParsedPayment, error) {
	var resp types.PaymentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, types.Errorf(types.ErrParse, "malformed 402 body: %v", err)
	}

	if len(resp.Accepts) == 0 {
		return nil, types.Errorf(types.ErrParse, "402 body has no accepts array")
	}

	supported := make([]types.PaymentRequirement, 0, len(resp.Accepts))
	for _, req := range resp.Accepts {
		if types.Network(req.Network).IsSupported() {
			supported = append(supported, normalize(req))
		}
	}

	if len(supported) == 0 {
		return nil, types.Errorf(types.ErrUnsupportedNet, "no supported network option in 402 body")
	}

	for i := range supported {
		if err := validate.Struct(&supported[i]); err != nil {
			return nil, types.Errorf(types.ErrParse, "invalid payment requirement: %v", err)
		}
	}

	return &types.ParsedPayment{
		Requirements: supported,
		Recommended:  supported[0],
		TotalOptions: len(supported),
	}, nil
}

// normalize folds legacy field aliases into the canonical fields.
func normalize(req types.PaymentRequirement) types.PaymentRequirement {
	if req.Amount == "" {
		if req.AmountRequired != "" {
			req.Amount = req.AmountRequired
		} else {
			req.Amount = req.MaxAmountRequired
		}
	}
	if req.Address == "" {
		if req.PayTo != "" {
			req.Address = req.PayTo
		} else {
			req.Address = req.TokenMint
		}
	}
	return req
}
