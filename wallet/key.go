package wallet

import (
	"github.com/gagliardetto/solana-go"
	"github.com/moltydex/autopay-go/types"
)

// resolveKey normalizes the configured key material into one canonical
// keypair. Exactly one source is honored, checked in a fixed order so a
// config carrying several by accident is deterministic.
func resolveKey(cfg *types.AgentConfig) (solana.PrivateKey, error) {
	switch {
	case cfg.WalletSecretKey != "":
		key, err := solana.PrivateKeyFromBase58(cfg.WalletSecretKey)
		if err != nil {
			return nil, types.Errorf(types.ErrConfig, "invalid base58 secret key: %v", err)
		}
		return checkKey(key)

	case len(cfg.WalletKeyBytes) > 0:
		return checkKey(solana.PrivateKey(cfg.WalletKeyBytes))

	case len(cfg.WalletKeyArray) > 0:
		raw := make([]byte, len(cfg.WalletKeyArray))
		for i, v := range cfg.WalletKeyArray {
			if v < 0 || v > 255 {
				return nil, types.Errorf(types.ErrConfig, "wallet key array element %d out of byte range: %d", i, v)
			}
			raw[i] = byte(v)
		}
		return checkKey(solana.PrivateKey(raw))

	case cfg.WalletPath != "":
		key, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.WalletPath)
		if err != nil {
			return nil, types.Errorf(types.ErrConfig, "failed to load keygen file: %v", err)
		}
		return checkKey(key)

	default:
		return nil, types.Errorf(types.ErrConfig, "no wallet key material configured")
	}
}

func checkKey(key solana.PrivateKey) (solana.PrivateKey, error) {
	if len(key) != 64 {
		return nil, types.Errorf(types.ErrConfig, "secret key must be 64 bytes, got %d", len(key))
	}
	return key, nil
}

// verifyAddress fails when the derived public key does not match the address
// the config claims to own.
func verifyAddress(pub solana.PublicKey, expected string) error {
	if expected == "" {
		return nil
	}
	want, err := solana.PublicKeyFromBase58(expected)
	if err != nil {
		return types.Errorf(types.ErrConfig, "invalid wallet_address: %v", err)
	}
	if !pub.Equals(want) {
		return types.Errorf(types.ErrConfig, "wallet address mismatch: expected %s, derived %s", expected, pub)
	}
	return nil
}
