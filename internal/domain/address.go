package domain

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// systemAddresses are venue-internal and burn accounts that never represent a
// real trader. They are excluded from every address set the pipeline builds.
var systemAddresses = map[string]struct{}{
	"0x0000000000000000000000000000000000000000": {}, // zero address
	"0x0000000000000000000000000000000000000001": {}, // genesis address
	"0x000000000000000000000000000000000000dead": {}, // burn address
	"0xffffffffffffffffffffffffffffffffffffffff": {}, // max address
}

// NormalizeAddress lowercases and trims an address. It does not validate.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ValidAddress reports whether addr is a well-formed 0x-prefixed 40-hex-char
// Ethereum address.
func ValidAddress(addr string) bool {
	return common.IsHexAddress(strings.TrimSpace(addr))
}

// SystemAddress reports whether the (normalized) address is a known
// system or burn account.
func SystemAddress(addr string) bool {
	_, ok := systemAddresses[NormalizeAddress(addr)]
	return ok
}

// TrackableAddress reports whether addr is valid and not a system account.
// Only trackable addresses may enter the ledger or storage.
func TrackableAddress(addr string) bool {
	return ValidAddress(addr) && !SystemAddress(addr)
}
