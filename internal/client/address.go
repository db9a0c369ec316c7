package client

import (
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// ValidateAddress checks the base32 encoding and checksum of an account address.
func ValidateAddress(address string) error {
	if _, err := types.DecodeAddress(address); err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	return nil
}

func ApplicationAddress(appID uint64) string {
	return crypto.GetApplicationAddress(appID).String()
}

// AddressPublicKey returns the 32 raw bytes behind an address, the key the
// inbox router uses for its per-recipient box.
func AddressPublicKey(address string) ([]byte, error) {
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	return addr[:], nil
}

func ZeroAddress() string {
	return types.Address{}.String()
}
