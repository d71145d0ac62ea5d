package handler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
	"github.com/alanyoungcy/polysettle/internal/service"
)

// RangeDTO is the JSON form of a scalar range. Bounds are base-10 integers.
type RangeDTO struct {
	Min      string `json:"min" validate:"required"`
	Max      string `json:"max" validate:"required"`
	Decimals uint8  `json:"decimals" validate:"lte=36"`
}

// CreateMarketDTO is the body of POST /api/markets.
type CreateMarketDTO struct {
	Name       string    `json:"name" validate:"required,max=128"`
	Shape      string    `json:"shape" validate:"required,oneof=binary categorical scalar"`
	QuestionID string    `json:"question_id" validate:"required,len=66,startswith=0x,hexadecimal"`
	Outcomes   []string  `json:"outcomes,omitempty" validate:"omitempty,max=32,dive,required,max=64"`
	Range      *RangeDTO `json:"range,omitempty" validate:"required_if=Shape scalar"`
	FeeBps     *uint16   `json:"fee_bps,omitempty" validate:"omitempty,lte=1000"`
	Collateral string    `json:"collateral,omitempty" validate:"omitempty,eth_addr"`
}

func (d CreateMarketDTO) toRequest() (service.CreateMarketRequest, error) {
	req := service.CreateMarketRequest{
		Name:       d.Name,
		Shape:      domain.MarketShape(d.Shape),
		QuestionID: common.HexToHash(d.QuestionID),
		Outcomes:   d.Outcomes,
		FeeBps:     d.FeeBps,
	}
	if d.Collateral != "" {
		req.Collateral = common.HexToAddress(d.Collateral)
	}
	if d.Range != nil {
		lo, ok := new(big.Int).SetString(d.Range.Min, 10)
		if !ok {
			return req, fmt.Errorf("%w: range.min %q is not an integer", domain.ErrInvalidConfig, d.Range.Min)
		}
		hi, ok := new(big.Int).SetString(d.Range.Max, 10)
		if !ok {
			return req, fmt.Errorf("%w: range.max %q is not an integer", domain.ErrInvalidConfig, d.Range.Max)
		}
		req.Range = &domain.ScalarRange{Min: lo, Max: hi, Decimals: d.Range.Decimals}
	}
	return req, nil
}

// AmountDTO is the body of split, merge and redeem calls. Amount is base-10
// or 0x-prefixed hex.
type AmountDTO struct {
	Amount string `json:"amount" validate:"required,max=80"`
}

func (d AmountDTO) parse() (*uint256.Int, error) {
	return domain.ParseAmount(d.Amount)
}

// FaucetDTO is the body of POST /api/faucet.
type FaucetDTO struct {
	Holder string `json:"holder" validate:"required,eth_addr"`
	Amount string `json:"amount" validate:"required,max=80"`
}

// RedeemResponse reports the collateral paid out by a redeem.
type RedeemResponse struct {
	Market string `json:"market"`
	User   string `json:"user"`
	Burned string `json:"burned"`
	Paid   string `json:"paid"`
}

// MarketView decorates a snapshot with its display fields.
type MarketView struct {
	domain.MarketSnapshot
	DisplayValue    string `json:"display_value,omitempty"`
	DisplayFraction string `json:"display_fraction,omitempty"`
}

func viewOf(s domain.MarketSnapshot) MarketView {
	return MarketView{
		MarketSnapshot:  s,
		DisplayValue:    s.DisplayValue(),
		DisplayFraction: s.DisplayFraction(),
	}
}
