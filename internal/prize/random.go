package prize

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// RandomSource produces uniform draws in [0, 100).
type RandomSource interface {
	Draw() (decimal.Decimal, error)
}

// DrawFunc adapts a function to RandomSource.
type DrawFunc func() (decimal.Decimal, error)

func (f DrawFunc) Draw() (decimal.Decimal, error) { return f() }

// drawSpace is 100 expressed in units of 10^-WeightPlaces.
var drawSpace = big.NewInt(100_000_000)

// CryptoSource draws from crypto/rand with the same precision as catalog
// weights, so every representable weight boundary is reachable.
type CryptoSource struct{}

func (CryptoSource) Draw() (decimal.Decimal, error) {
	n, err := rand.Int(rand.Reader, drawSpace)
	if err != nil {
		return decimal.Zero, fmt.Errorf("prize: draw: %w", err)
	}
	return decimal.NewFromBigInt(n, -WeightPlaces), nil
}
