package settlement

import "custodyledger/internal/money"

// Withdrawal fee tiers on USD-equivalent value. Comparisons are
// strict-less-than: exactly 100 USD pays 10%, exactly 1000 USD pays 15%.
var (
	tierSmallCeiling = money.FromInt(100)
	tierMidCeiling   = money.FromInt(1000)

	rateSmall = money.MustFromString("0.05")
	rateMid   = money.MustFromString("0.10")
	rateLarge = money.MustFromString("0.15")
)

// FeeRate returns the proportional withdrawal fee rate for a USD value.
func FeeRate(usdValue money.Amount) money.Amount {
	if usdValue.LessThan(tierSmallCeiling) {
		return rateSmall
	}
	if usdValue.LessThan(tierMidCeiling) {
		return rateMid
	}
	return rateLarge
}

// WithdrawalFee computes the fee in the withdrawn asset: amount times the
// rate for its USD value, rounded to 8 fractional digits.
func WithdrawalFee(amount, spotPriceUSD money.Amount) (fee, rate money.Amount) {
	usdValue := amount.MulRate(spotPriceUSD)
	rate = FeeRate(usdValue)
	return amount.MulRate(rate), rate
}
