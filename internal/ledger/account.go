package ledger

import (
	"fmt"

	"PredictLedger/internal/market"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypePayout AccountSubType = iota

	// Market sub-types
	SubTypeStakePool

	// System sub-types
	SubTypeSystemFees

	// External sub-types
	SubTypeExternalStakes
)

// AccountKey identifies one ledger account. Comparable, so it can key maps.
type AccountKey struct {
	Scope    AccountScope
	EntityID string // principal for users, market id for pools
	SubType  AccountSubType
}

// NewUserAccountKey creates the payout account of a principal
func NewUserAccountKey(p market.Principal) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: string(p),
		SubType:  SubTypePayout,
	}
}

// NewPoolAccountKey creates the stake pool account of a market
func NewPoolAccountKey(id market.ID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeMarket,
		EntityID: id.String(),
		SubType:  SubTypeStakePool,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.EntityID, k.subTypeName())
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:%s", k.EntityID, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePayout:
		return "payout"
	case SubTypeStakePool:
		return "pool"
	case SubTypeSystemFees:
		return "fees"
	case SubTypeExternalStakes:
		return "stakes"
	default:
		return "unknown"
	}
}
