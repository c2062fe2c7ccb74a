package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mtlprog/resolver/internal/domain"
)

// NetworkLocal is the network name on which gas is charged at the base rate.
const NetworkLocal = "local"

// publicGasMultiplier scales the base gas fee on every non-local network.
const publicGasMultiplier = 10

var (
	bpsDenominator  = decimal.NewFromInt(domain.BasisPoints)
	maxSlippageBps  = decimal.NewFromInt(50)
	hundred         = decimal.NewFromInt(100)
	minConfidence   = decimal.RequireFromString("0.5")
	maxConfidence   = decimal.RequireFromString("0.99")
	sizeWeight      = decimal.RequireFromString("0.7")
	volWeight       = decimal.RequireFromString("0.3")
	liquidityWindow = decimal.RequireFromString("0.1")
)

// ApplySpread widens base against the requester: up for buys, down for sells.
func ApplySpread(op domain.Operation, base, feeBps decimal.Decimal) decimal.Decimal {
	factor := feeBps.Div(bpsDenominator)
	if op.IsBuy() {
		return base.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return base.Mul(decimal.NewFromInt(1).Sub(factor))
}

// EstimateSlippageBps is min(100 × amount/liquidity, 50). Non-positive amounts have no slippage,
// any positive amount against empty liquidity hits the ceiling.
func EstimateSlippageBps(amount, liquidity decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 {
		return decimal.Zero
	}
	if liquidity.Sign() <= 0 {
		return maxSlippageBps
	}
	return decimal.Min(hundred.Mul(amount).Div(liquidity), maxSlippageBps)
}

// EstimateConfidence scores a quote in [0.5, 0.99]. It is advisory and never gates settlement.
func EstimateConfidence(amount, liquidity, volatilityPct decimal.Decimal) decimal.Decimal {
	sizeScore := decimal.Zero
	if window := liquidity.Mul(liquidityWindow); window.Sign() > 0 {
		sizeScore = decimal.Max(decimal.Zero, decimal.NewFromInt(1).Sub(amount.Div(window)))
	} else if amount.Sign() <= 0 {
		sizeScore = decimal.NewFromInt(1)
	}
	volScore := decimal.Max(decimal.Zero, decimal.NewFromInt(1).Sub(volatilityPct.Div(hundred)))

	score := sizeWeight.Mul(sizeScore).Add(volWeight.Mul(volScore))
	return decimal.Min(maxConfidence, decimal.Max(minConfidence, score))
}

// QuoteUSDToTokenAmount converts a USD amount into token smallest units at price, truncating
// so the quote never promises more tokens than the USD amount covers.
func QuoteUSDToTokenAmount(usd, price decimal.Decimal, decimals int32) (uint64, error) {
	if price.Sign() <= 0 {
		return 0, fmt.Errorf("non-positive price %s", price)
	}
	if usd.Sign() <= 0 {
		return 0, nil
	}
	q, _ := usd.Shift(decimals).QuoRem(price, 0)
	return domain.ToFixed(q, 0), nil
}

// GasFee estimates the flat network fee in settlement-currency units.
func GasFee(network string, base uint64) uint64 {
	if network == NetworkLocal {
		return base
	}
	return base * publicGasMultiplier
}
