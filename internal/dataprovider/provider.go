// Package dataprovider implements C4: the multi-timeframe data
// provider owning the low/med/high-TF ring buffers and their C2/C3
// caches, and routing closed bars to the correct role.
package dataprovider

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/tradecore/internal/coreerr"
	"github.com/web3guy0/tradecore/internal/indicatorcache"
	"github.com/web3guy0/tradecore/internal/structurestate"
	"github.com/web3guy0/tradecore/internal/types"
)

// roleBuffer is one TF role's ring buffer plus its paired caches.
type roleBuffer struct {
	tf           types.Timeframe
	warmupTarget int
	bars         []types.Bar
	indicators   *indicatorcache.Cache
	structures   *structurestate.State
}

// Provider owns three ring buffers (low/med/high TF role) and routes
// bars to the correct one via the Play's tf → role map. Each engine
// owns exactly one Provider exclusively.
type Provider struct {
	mu       sync.RWMutex
	roles    map[types.TFRole]*roleBuffer
	tfRoles  map[types.Timeframe][]types.TFRole
	execRole types.TFRole
	badBars  int
}

// RoleSpec configures one declared role.
type RoleSpec struct {
	Role         types.TFRole
	TF           types.Timeframe
	WarmupTarget int
	Indicators   []indicatorcache.Spec
	Structures   []structurestate.Spec
}

// New builds a Provider from the Play's declared roles. execRole must
// be one of the declared roles.
func New(roleSpecs []RoleSpec, execRole types.TFRole) (*Provider, error) {
	p := &Provider{
		roles:    make(map[types.TFRole]*roleBuffer, len(roleSpecs)),
		tfRoles:  make(map[types.Timeframe][]types.TFRole, len(roleSpecs)),
		execRole: execRole,
	}
	foundExec := false
	for _, rs := range roleSpecs {
		structs, err := structurestate.New(rs.Structures)
		if err != nil {
			return nil, err
		}
		rb := &roleBuffer{
			tf:           rs.TF,
			warmupTarget: rs.WarmupTarget,
			indicators:   indicatorcache.New(),
			structures:   structs,
		}
		rb.indicators.InitializeFromHistory(nil, rs.Indicators)
		p.roles[rs.Role] = rb
		p.tfRoles[rs.TF] = append(p.tfRoles[rs.TF], rs.Role)
		if rs.Role == execRole {
			foundExec = true
		}
	}
	if !foundExec {
		return nil, fmt.Errorf("dataprovider: exec role %q not among declared roles", execRole)
	}
	return p, nil
}

// Seed replaces a role's warmup history (used once at startup or
// backtest init); it is idempotent given identical bars.
func (p *Provider) Seed(role types.TFRole, bars []types.Bar, indicators []indicatorcache.Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rb, ok := p.roles[role]
	if !ok {
		return coreerr.ErrUnknownTimeframe
	}
	rb.bars = append([]types.Bar(nil), bars...)
	rb.indicators.InitializeFromHistory(bars, indicators)
	for i, b := range bars {
		rb.structures.OnBarClosed(b, i, nil)
	}
	return nil
}

// OnBarClosed looks up every role bound to concreteTF and updates the
// corresponding buffers and caches. Unknown timeframes and
// out-of-order bars are rejected with a counted error, never a panic.
func (p *Provider) OnBarClosed(bar types.Bar, concreteTF types.Timeframe) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	roles, ok := p.tfRoles[concreteTF]
	if !ok {
		p.badBars++
		return fmt.Errorf("dataprovider: %w: %s", coreerr.ErrUnknownTimeframe, concreteTF)
	}
	for _, role := range roles {
		rb := p.roles[role]
		if n := len(rb.bars); n > 0 && !bar.TsClose.After(rb.bars[n-1].TsClose) {
			p.badBars++
			log.Warn().Str("tf", string(concreteTF)).Time("ts_close", bar.TsClose).
				Msg("dataprovider: rejecting non-monotonic bar")
			return fmt.Errorf("dataprovider: bar ts_close %s not after last stored bar", bar.TsClose)
		}
		rb.bars = append(rb.bars, bar)
		rb.indicators.OnBarClosed(bar)
		rb.structures.OnBarClosed(bar, len(rb.bars)-1, nil)
	}
	return nil
}

// GetCandle returns the bar at index for role. Negative indices count
// from the end.
func (p *Provider) GetCandle(role types.TFRole, index int) (types.Bar, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rb, ok := p.roles[role]
	if !ok {
		return types.Bar{}, false
	}
	idx := index
	if idx < 0 {
		idx = len(rb.bars) + idx
	}
	if idx < 0 || idx >= len(rb.bars) {
		return types.Bar{}, false
	}
	return rb.bars[idx], true
}

// GetExecCandle reads against the exec role.
func (p *Provider) GetExecCandle(index int) (types.Bar, bool) {
	return p.GetCandle(p.execRole, index)
}

// GetIndicator reads specID at index from role's indicator cache.
func (p *Provider) GetIndicator(role types.TFRole, specID string, index int) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rb, ok := p.roles[role]
	if !ok {
		return math.NaN(), false
	}
	return rb.indicators.Get(specID, index)
}

// GetStructure reads a structure field at the current bar on role.
func (p *Provider) GetStructure(role types.TFRole, key, field string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rb, ok := p.roles[role]
	if !ok {
		return nil, false
	}
	return rb.structures.Field(key, field)
}

// IsReady returns true once every declared role's buffer has reached
// warmup and all indicator caches report non-NaN at -1.
func (p *Provider) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rb := range p.roles {
		if len(rb.bars) < rb.warmupTarget {
			return false
		}
		if !rb.indicators.AllReady() {
			return false
		}
	}
	return true
}

// BadBarCount returns the number of rejected bars: unknown timeframes
// and out-of-order bars.
func (p *Provider) BadBarCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.badBars
}

// ExecRole returns the role designated as executable.
func (p *Provider) ExecRole() types.TFRole {
	return p.execRole
}
