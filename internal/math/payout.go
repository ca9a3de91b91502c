package math

// Fee returns floor(totalPool * feePercent / 100).
func Fee(totalPool, feePercent int64) int64 {
	if totalPool <= 0 || feePercent <= 0 {
		return 0
	}
	return MulDiv(totalPool, feePercent, PercentScale, RoundDown)
}

// Distributable is the part of the pool owed to winners after the fee.
func Distributable(totalPool, feePercent int64) int64 {
	return totalPool - Fee(totalPool, feePercent)
}

// Share computes a winner's payout:
//
//	fee           = floor(totalPool * feePercent / 100)
//	distributable = totalPool - fee
//	share         = floor(stake * distributable / winningPool)
//
// Every division truncates, so the sum of all shares never exceeds
// distributable. A zero winning pool yields zero.
func Share(stake, totalPool, winningPool, feePercent int64) int64 {
	if stake <= 0 || winningPool <= 0 {
		return 0
	}
	return MulDiv(stake, Distributable(totalPool, feePercent), winningPool, RoundDown)
}
