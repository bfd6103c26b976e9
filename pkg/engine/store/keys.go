package store

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema:
//
//   ord:<orderID>                 → Order
//   vault:<orderID>               → Vault
//   bal:<address>:<asset>         → account balance (uint64, JSON)
//   fill:<orderID>:<ts>:<fillID>  → FillRecord
//   cfg                           → fee.Config

const (
	prefixOrder = "ord:"
	prefixVault = "vault:"
	prefixBal   = "bal:"
	prefixFill  = "fill:"
)

func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

func vaultKey(orderID string) []byte {
	return []byte(prefixVault + orderID)
}

// balanceKey format: "bal:{address}:{asset}"
func balanceKey(addr common.Address, asset string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBal, addr.Hex(), asset))
}

// fillKey format: "fill:{orderID}:{timestamp}:{fillID}"
// Timestamp is zero-padded (20 digits) for lexicographic sorting.
func fillKey(orderID string, timestamp int64, fillID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixFill, orderID, timestamp, fillID))
}

// fillPrefix returns the prefix for all fills of one order.
func fillPrefix(orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixFill, orderID))
}

func configKey() []byte {
	return []byte("cfg")
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
