package farm

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/fixedpoint"
)

// DefaultBoostFactorBps is the boost factor in basis points (1.5x bonus,
// 2.5x maximum multiplier).
const DefaultBoostFactorBps = 15_000

// BoostedShare returns a depositor's effective share:
//
//	uncapped = totalPrincipal * escrow / totalEscrow
//	bonus    = min(uncapped, principal) * factorBps / 10000
//	share    = principal + bonus
//
// totalPrincipal and totalEscrow are the pool totals including this
// depositor. With no escrow in the pool the share is the principal.
func BoostedShare(principal, escrow, totalPrincipal, totalEscrow, factorBps decimal.Decimal) decimal.Decimal {
	if totalEscrow.IsZero() || escrow.IsZero() {
		return principal
	}
	uncapped := fixedpoint.MulDiv(totalPrincipal, escrow, totalEscrow)
	bonus := fixedpoint.MulDiv(fixedpoint.Min(uncapped, principal), factorBps, fixedpoint.BasisPoints)
	return principal.Add(bonus)
}
