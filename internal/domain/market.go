package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MarketShape is fixed at construction.
type MarketShape string

const (
	ShapeBinary      MarketShape = "binary"
	ShapeCategorical MarketShape = "categorical"
	ShapeScalar      MarketShape = "scalar"
)

// Valid reports whether s is one of the three known shapes.
func (s MarketShape) Valid() bool {
	switch s {
	case ShapeBinary, ShapeCategorical, ShapeScalar:
		return true
	}
	return false
}

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketResolved MarketStatus = "resolved"
	// MarketCancelled is declared for storage compatibility. No operation
	// transitions a market into it.
	MarketCancelled MarketStatus = "cancelled"
)

// Outcome indexes for the two-claim shapes.
const (
	OutcomeAffirmative uint8 = 0
	OutcomeNegative    uint8 = 1

	OutcomeLong  uint8 = 0
	OutcomeShort uint8 = 1
)

const (
	// MaxFeeBps caps the redeem fee at 10%.
	MaxFeeBps = 1000
	// BpsDenominator is the basis-point scale.
	BpsDenominator = 10_000

	MinCategoricalOutcomes = 2
	MaxCategoricalOutcomes = 32
)

// FractionScale is the fixed-point scale of a scalar market's resolved
// fraction (1e18).
var FractionScale = uint256.NewInt(1_000_000_000_000_000_000)

// ClaimID identifies one outcome claim of one market.
type ClaimID struct {
	Market  common.Address `json:"market"`
	Outcome uint8          `json:"outcome"`
}

func (c ClaimID) String() string {
	return fmt.Sprintf("%s:%d", c.Market.Hex(), c.Outcome)
}

// Resolution holds the shape-specific settlement parameters derived from the
// adjudicator answer at finalize time.
type Resolution struct {
	// WinningOutcome is the claim index that redeems for value (binary and
	// categorical markets). Nil until resolved and for scalar markets.
	WinningOutcome *uint8 `json:"winning_outcome,omitempty"`
	// Value is the clamped resolved value of a scalar market.
	Value *big.Int `json:"value,omitempty"`
	// Fraction is floor((Value-Min)*1e18/(Max-Min)) for scalar markets.
	Fraction *uint256.Int `json:"fraction,omitempty"`
}

// ScalarRange is the immutable value range of a scalar market. Decimals only
// affects display.
type ScalarRange struct {
	Min      *big.Int `json:"min"`
	Max      *big.Int `json:"max"`
	Decimals uint8    `json:"decimals"`
}

// MarketSnapshot is a read-only copy of a market's configuration and state.
// It is what gets persisted, cached and served over the API.
type MarketSnapshot struct {
	Address          common.Address `json:"address"`
	Name             string         `json:"name"`
	Shape            MarketShape    `json:"shape"`
	Status           MarketStatus   `json:"status"`
	Collateral       common.Address `json:"collateral"`
	QuestionID       common.Hash    `json:"question_id"`
	FeeRecipient     common.Address `json:"fee_recipient"`
	FeeBps           uint16         `json:"fee_bps"`
	Outcomes         []string       `json:"outcomes"`
	Range            *ScalarRange   `json:"range,omitempty"`
	CollateralLocked *uint256.Int   `json:"collateral_locked"`
	ResolvedAnswer   hexutil.Bytes  `json:"resolved_answer,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	Resolution       Resolution     `json:"resolution"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Claim returns the claim id of the given outcome index.
func (s MarketSnapshot) Claim(outcome uint8) ClaimID {
	return ClaimID{Market: s.Address, Outcome: outcome}
}

// DisplayValue renders the resolved scalar value using the market's display
// decimals. It returns "" for unresolved or non-scalar markets.
func (s MarketSnapshot) DisplayValue() string {
	if s.Range == nil || s.Resolution.Value == nil {
		return ""
	}
	return decimal.NewFromBigInt(s.Resolution.Value, -int32(s.Range.Decimals)).String()
}

// DisplayFraction renders the resolved scalar fraction as a decimal in [0,1].
func (s MarketSnapshot) DisplayFraction() string {
	if s.Resolution.Fraction == nil {
		return ""
	}
	return decimal.NewFromBigInt(s.Resolution.Fraction.ToBig(), -18).String()
}

// ParseAmount parses a base-10 or 0x-prefixed amount.
func ParseAmount(s string) (*uint256.Int, error) {
	if len(s) > 1 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := uint256.FromHex(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadAmount, err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadAmount, err)
	}
	return v, nil
}
