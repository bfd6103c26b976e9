package settle

import (
	"math/big"

	"github.com/yoonpark/limitd/pkg/engine/order"
)

// minOutputFor prices a partial fill at the order's limit rate:
// ceil(inputConsumed * expectedOutput / initialInput). Rounding up means
// every rounding error favors the maker; the sum of partial fills can
// exceed expectedOutput by dust but never undershoot it. The intermediate
// product needs 128 bits, so this goes through big.Int.
func minOutputFor(inputConsumed, expectedOutput, initialInput uint64) (uint64, error) {
	num := new(big.Int).Mul(
		new(big.Int).SetUint64(inputConsumed),
		new(big.Int).SetUint64(expectedOutput),
	)
	den := new(big.Int).SetUint64(initialInput)

	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	if !q.IsUint64() {
		return 0, order.ErrOverflow
	}
	return q.Uint64(), nil
}
