// Package pool orchestrates the shared liquidity pool: N markets over one
// collateral balance, LP share minting and redemption, cash rebalancing
// between markets and the shared balance, the insurance fund and the
// market lifecycle administration.
package pool

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpPool/internal/amm"
	"PerpPool/internal/errs"
	"PerpPool/internal/external"
	"PerpPool/internal/fixedpoint"
	"PerpPool/internal/margin"
	"PerpPool/internal/market"
)

// Config is the pool's static configuration.
type Config struct {
	InsuranceFundCap fixedpoint.Value
	// LiquidityCap bounds the pool margin after a deposit; zero disables it.
	LiquidityCap fixedpoint.Value
	VaultFeeRate fixedpoint.Value
	// CollateralDecimals is the collateral token's decimal count.
	CollateralDecimals int
}

// Pool is the single shared-collateral liquidity pool.
type Pool struct {
	ID       uuid.UUID
	Operator uuid.UUID
	Governor uuid.UUID
	Running  bool

	Collateral external.CollateralToken
	Shares     external.ShareToken
	Access     external.AccessControl
	Scaler     Scaler

	Config Config

	// PoolCash may go negative transiently between rebalances.
	PoolCash             fixedpoint.Value
	InsuranceFund        fixedpoint.Value
	DonatedInsuranceFund fixedpoint.Value
	OperatorFees         fixedpoint.Value
	VaultFees            fixedpoint.Value

	Markets []*market.Market

	log  zerolog.Logger
	busy bool
}

// New builds an empty running pool.
func New(operator, governor uuid.UUID, collateral external.CollateralToken, shares external.ShareToken, access external.AccessControl, cfg Config, log zerolog.Logger) (*Pool, error) {
	scaler, err := NewScaler(cfg.CollateralDecimals)
	if err != nil {
		return nil, err
	}
	return &Pool{
		ID:         uuid.New(),
		Operator:   operator,
		Governor:   governor,
		Running:    true,
		Collateral: collateral,
		Shares:     shares,
		Access:     access,
		Scaler:     scaler,
		Config:     cfg,
		log:        log.With().Str("component", "pool").Logger(),
	}, nil
}

// CreateMarket appends a market in INITIALIZING.
func (p *Pool) CreateMarket(symbol, oracleID string, params market.RiskParams) (*market.Market, error) {
	m, err := market.NewMarket(len(p.Markets), symbol, oracleID, params)
	if err != nil {
		return nil, err
	}
	p.Markets = append(p.Markets, m)
	p.log.Info().Int("market", m.Index).Str("symbol", symbol).Msg("market created")
	return m, nil
}

// Market resolves an index.
func (p *Pool) Market(index int) (*market.Market, error) {
	if index < 0 || index >= len(p.Markets) {
		return nil, fmt.Errorf("%w: market index %d out of range", errs.ErrValidation, index)
	}
	return p.Markets[index], nil
}

// Guard runs fn under the pool's non-reentrant gate. Control transfers to
// external token and oracle implementations happen inside guarded
// operations, so a reentrant call observing half-updated ledgers must be
// impossible.
func (p *Pool) Guard(fn func() error) error {
	if p.busy {
		return fmt.Errorf("%w: reentrant call", errs.ErrState)
	}
	p.busy = true
	defer func() { p.busy = false }()
	return fn()
}

// ============================================================================
// AMM context
// ============================================================================

// ammAvailableCash is one market's AMM-account cash net of funding.
func (p *Pool) ammAvailableCash(m *market.Market) (fixedpoint.Value, error) {
	return margin.AvailableCash(m.Funding.FundingState, m.PenaltyParams(), m.PoolAccount())
}

// AMMContext aggregates the pool's exposure for pricing one market. Pass a
// negative index to price no market in particular (liquidity math): the
// priced-position slot stays empty and every NORMAL market lands in the
// "other" aggregates.
func (p *Pool) AMMContext(pricedIndex int) (amm.Context, error) {
	var c amm.Context
	c.IndexPrice = fixedpoint.One
	c.AvailableCash = p.PoolCash
	for _, m := range p.Markets {
		if m.State != market.Normal {
			continue
		}
		available, err := p.ammAvailableCash(m)
		if err != nil {
			return amm.Context{}, err
		}
		c.AvailableCash = c.AvailableCash.Add(available)
		if m.Index == pricedIndex {
			c.IndexPrice = m.IndexPrice()
			c.Position = m.PoolAccount().Position
			continue
		}
		v, err := m.IndexPrice().Mul(m.PoolAccount().Position)
		if err != nil {
			return amm.Context{}, err
		}
		c.OtherPositionValue = c.OtherPositionValue.Add(v)
		v2, err := v.Mul(v)
		if err != nil {
			return amm.Context{}, err
		}
		sq, err := v2.Mul(m.Params.OpenSlippageFactor.Value)
		if err != nil {
			return amm.Context{}, err
		}
		c.OtherSquareValue = c.OtherSquareValue.Add(sq)
		pm, err := v.Abs().DivRound(m.Params.AMMMaxLeverage.Value, fixedpoint.Ceil)
		if err != nil {
			return amm.Context{}, err
		}
		c.OtherPositionMargin = c.OtherPositionMargin.Add(pm)
	}
	return c, nil
}

// AMMParams projects one market's AMM parameters.
func AMMParams(m *market.Market) amm.Params {
	return amm.Params{
		HalfSpread:            m.Params.HalfSpread.Value,
		OpenSlippageFactor:    m.Params.OpenSlippageFactor.Value,
		CloseSlippageFactor:   m.Params.CloseSlippageFactor.Value,
		MaxClosePriceDiscount: m.Params.MaxClosePriceDiscount.Value,
		AMMMaxLeverage:        m.Params.AMMMaxLeverage.Value,
		MeanRate:              m.Params.MeanRate.Value,
	}
}

// PoolMargin is the pool-wide solvency measure across all NORMAL markets.
func (p *Pool) PoolMargin() (fixedpoint.Value, error) {
	c, err := p.AMMContext(-1)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return c.PoolMargin(fixedpoint.Zero)
}

// SquareValue is the aggregate square term over all NORMAL markets, the S
// in margin = p + S/(2p).
func (p *Pool) SquareValue() (fixedpoint.Value, error) {
	c, err := p.AMMContext(-1)
	if err != nil {
		return fixedpoint.Zero, err
	}
	return c.OtherSquareValue, nil
}

// AvailablePoolCash is the cash the pool can commit beyond each NORMAL
// market's initial-margin reservation. excludeIndex removes one market
// from the sum (its own rebalance target must not count itself).
func (p *Pool) AvailablePoolCash(excludeIndex int) (fixedpoint.Value, error) {
	total := p.PoolCash
	for _, m := range p.Markets {
		if m.State != market.Normal || m.Index == excludeIndex {
			continue
		}
		mgn, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), m.PoolAccount(), m.MarkPrice())
		if err != nil {
			return fixedpoint.Zero, err
		}
		im, err := margin.InitialMargin(m.PoolAccount(), m.MarkPrice(), m.Params.InitialMarginRate.Value)
		if err != nil {
			return fixedpoint.Zero, err
		}
		total = total.Add(mgn.Sub(im))
	}
	return total, nil
}

// ============================================================================
// Rebalance
// ============================================================================

// Rebalance moves cash between a NORMAL market's AMM ledger and the shared
// pool cash until the AMM's margin equals its initial margin. Excess flows
// market -> pool capped by the market's collateral; shortfall flows
// pool -> market capped by the available pool cash (own market excluded).
// Already balanced is a no-op.
func (p *Pool) Rebalance(index int) error {
	m, err := p.Market(index)
	if err != nil {
		return err
	}
	if m.State != market.Normal {
		return nil
	}
	account := m.PoolAccount()
	mgn, err := margin.Margin(m.Funding.FundingState, m.PenaltyParams(), account, m.MarkPrice())
	if err != nil {
		return err
	}
	im, err := margin.InitialMargin(account, m.MarkPrice(), m.Params.InitialMarginRate.Value)
	if err != nil {
		return err
	}
	delta := mgn.Sub(im)
	switch {
	case delta.Sign() > 0:
		move := fixedpoint.Min(delta, fixedpoint.Max(m.TotalCollateral, fixedpoint.Zero))
		account.Cash = account.Cash.Sub(move)
		m.TotalCollateral = m.TotalCollateral.Sub(move)
		p.PoolCash = p.PoolCash.Add(move)
	case delta.Sign() < 0:
		available, err := p.AvailablePoolCash(index)
		if err != nil {
			return err
		}
		move := fixedpoint.Min(delta.Neg(), fixedpoint.Max(available, fixedpoint.Zero))
		account.Cash = account.Cash.Add(move)
		m.TotalCollateral = m.TotalCollateral.Add(move)
		p.PoolCash = p.PoolCash.Sub(move)
	}
	return nil
}
