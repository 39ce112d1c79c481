package validation

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const suiAddressHexLength = 64

// ValidateAddress validates a Sui address: 0x followed by 1 to 64 hex characters.
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("address must start with 0x")
	}

	body := addr[2:]
	if len(body) == 0 || len(body) > suiAddressHexLength {
		return fmt.Errorf("invalid address length: expected 1-%d hex characters, got %d", suiAddressHexLength, len(body))
	}

	padded := strings.Repeat("0", suiAddressHexLength-len(body)) + body
	if _, err := hex.DecodeString(padded); err != nil {
		return fmt.Errorf("invalid hex address: %w", err)
	}

	return nil
}

// NormalizeAddress converts an address to its canonical form: lowercase, 0x prefixed,
// left-padded to 64 hex digits.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.TrimPrefix(addr, "0x")
	addr = strings.TrimPrefix(addr, "0X")
	addr = strings.ToLower(addr)
	if len(addr) < suiAddressHexLength {
		addr = strings.Repeat("0", suiAddressHexLength-len(addr)) + addr
	}
	return "0x" + addr
}

// ValidateAndNormalizeAddress validates an address and returns its normalized form.
func ValidateAndNormalizeAddress(addr string) (string, error) {
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return NormalizeAddress(addr), nil
}
