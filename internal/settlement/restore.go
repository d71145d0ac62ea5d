package settlement

import (
	"bytes"
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polysettle/internal/domain"
)

// Restore rebuilds a market from a persisted snapshot. The derived address
// must match the stored one.
func Restore(snap domain.MarketSnapshot, deps Deps) (Market, error) {
	cfg := Config{
		Name:         snap.Name,
		Collateral:   snap.Collateral,
		QuestionID:   snap.QuestionID,
		FeeRecipient: snap.FeeRecipient,
		FeeBps:       snap.FeeBps,
	}

	var m Market
	switch snap.Shape {
	case domain.ShapeBinary:
		b, err := NewBinary(cfg, deps)
		if err != nil {
			return nil, err
		}
		m = b
	case domain.ShapeCategorical:
		cm, err := NewCategorical(cfg, snap.Outcomes, deps)
		if err != nil {
			return nil, err
		}
		m = cm
	case domain.ShapeScalar:
		if snap.Range == nil {
			return nil, fmt.Errorf("settlement: restore %s: %w: scalar snapshot has no range", snap.Address.Hex(), domain.ErrInvalidConfig)
		}
		s, err := NewScalar(cfg, *snap.Range, deps)
		if err != nil {
			return nil, err
		}
		m = s
	default:
		return nil, fmt.Errorf("settlement: restore %s: %w: unknown shape %q", snap.Address.Hex(), domain.ErrInvalidConfig, snap.Shape)
	}

	c := m.base()
	if c.address != snap.Address {
		return nil, fmt.Errorf("settlement: restore: %w: address %s does not match derived %s",
			domain.ErrInvalidConfig, snap.Address.Hex(), c.address.Hex())
	}

	st, err := stateOf(snap)
	if err != nil {
		return nil, err
	}
	if !snap.CreatedAt.IsZero() {
		c.createdAt = snap.CreatedAt
	}
	c.st = st
	return m, nil
}

// stateOf validates the mutable part of a snapshot.
func stateOf(snap domain.MarketSnapshot) (state, error) {
	st := state{
		status:     snap.Status,
		locked:     new(uint256.Int),
		answer:     bytes.Clone(snap.ResolvedAnswer),
		resolution: snap.Resolution,
	}
	if snap.CollateralLocked != nil {
		st.locked = snap.CollateralLocked.Clone()
	}
	if snap.ResolvedAt != nil {
		st.resolvedAt = snap.ResolvedAt.UTC()
	}
	switch st.status {
	case domain.MarketOpen:
		if st.answer != nil || !st.resolvedAt.IsZero() {
			return state{}, fmt.Errorf("settlement: restore %s: %w", snap.Address.Hex(), domain.ErrAlreadyResolved)
		}
	case domain.MarketResolved:
		if st.resolution.WinningOutcome == nil && st.resolution.Fraction == nil {
			return state{}, fmt.Errorf("settlement: restore %s: %w: resolved snapshot has no resolution", snap.Address.Hex(), domain.ErrInvalidConfig)
		}
	case domain.MarketCancelled:
	default:
		return state{}, fmt.Errorf("settlement: restore %s: %w: unknown status %q", snap.Address.Hex(), domain.ErrInvalidConfig, snap.Status)
	}
	return st, nil
}

// Reload replaces the market's state with the committed snapshot returned by
// load. load runs inside the market guard, so no local call can commit in
// between. A snapshot of another market, or one that would reopen a settled
// market, is rejected.
func (c *core) Reload(ctx context.Context, load func(context.Context) (domain.MarketSnapshot, error)) error {
	gctx, leave, err := c.enter(ctx)
	if err != nil {
		return fmt.Errorf("settlement: reload: %w", err)
	}
	defer leave()

	snap, err := load(gctx)
	if err != nil {
		return fmt.Errorf("settlement: reload %s: %w", c.address.Hex(), err)
	}
	if snap.Address != c.address {
		return fmt.Errorf("settlement: reload: %w: snapshot of %s loaded for %s",
			domain.ErrInvalidConfig, snap.Address.Hex(), c.address.Hex())
	}
	st, err := stateOf(snap)
	if err != nil {
		return err
	}

	c.stMu.Lock()
	defer c.stMu.Unlock()
	if c.st.status != domain.MarketOpen && st.status == domain.MarketOpen {
		return fmt.Errorf("settlement: reload %s: %w: stored snapshot is open", c.address.Hex(), domain.ErrAlreadyResolved)
	}
	c.st = st
	return nil
}
