package heuristics

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidParameter is returned when a parameter bag cannot be decoded.
var ErrInvalidParameter = errors.New("invalid parameter")

// ErrUnknownTypology is returned for codes with no detector.
var ErrUnknownTypology = errors.New("unknown typology code")

// Params is the typed parameter set for a detector. Each code reads only
// the fields it declares; the rest stay at their zero value.
type Params struct {
	ThresholdAmount  decimal.Decimal `json:"threshold_amount"`
	WindowDays       int             `json:"window_days"`
	WindowHours      int             `json:"window_hours"`
	WindowMinutes    int             `json:"window_minutes"`
	LookbackDays     int             `json:"lookback_days"`
	MinOperations    int             `json:"min_operations"`
	MinOrdering      int             `json:"min_ordering_parties"`
	MinBeneficiaries int             `json:"min_beneficiaries"`
	MinRepetitions   int             `json:"min_repetitions"`
	MinLinks         int             `json:"min_links"`
	MinRelays        int             `json:"min_relays"`
	MaxHops          int             `json:"max_hops"`
	TolerancePct     float64         `json:"tolerance_pct"`
	AmountTolerance  float64         `json:"amount_tolerance"`
	GrowthFactor     float64         `json:"growth_factor"`
}

type paramKind int

const (
	kindInt paramKind = iota
	kindFloat
	kindAmount
)

type paramSpec struct {
	key  string
	kind paramKind
	def  string
	// allowZero permits 0; every parameter must be non-negative.
	allowZero bool
	set       func(*Params, decimal.Decimal)
}

func intParam(key, def string, set func(*Params, int)) paramSpec {
	return paramSpec{key: key, kind: kindInt, def: def, set: func(p *Params, d decimal.Decimal) { set(p, int(d.IntPart())) }}
}

func floatParam(key, def string, allowZero bool, set func(*Params, float64)) paramSpec {
	return paramSpec{key: key, kind: kindFloat, def: def, allowZero: allowZero, set: func(p *Params, d decimal.Decimal) { set(p, d.InexactFloat64()) }}
}

var (
	pWindowDays  = intParam("window_days", "30", func(p *Params, v int) { p.WindowDays = v })
	pMinOps      = intParam("min_operations", "5", func(p *Params, v int) { p.MinOperations = v })
	paramsByCode = map[string][]paramSpec{
		domain.CodeStructuring: {
			{key: "threshold_amount", kind: kindAmount, def: "10000", set: func(p *Params, d decimal.Decimal) { p.ThresholdAmount = d }},
			pWindowDays,
			pMinOps,
		},
		domain.CodeFunnelBeneficiary: {
			pWindowDays,
			intParam("min_ordering_parties", "5", func(p *Params, v int) { p.MinOrdering = v }),
		},
		domain.CodeDispersion: {
			pWindowDays,
			intParam("min_beneficiaries", "10", func(p *Params, v int) { p.MinBeneficiaries = v }),
		},
		domain.CodeCircular: {
			intParam("max_hops", "5", func(p *Params, v int) { p.MaxHops = v }),
			intParam("lookback_days", "90", func(p *Params, v int) { p.LookbackDays = v }),
		},
		domain.CodeSimilarAmounts: {
			floatParam("tolerance_pct", "5", true, func(p *Params, v float64) { p.TolerancePct = v }),
			intParam("min_repetitions", "3", func(p *Params, v int) { p.MinRepetitions = v }),
		},
		domain.CodeShortWindow: {
			intParam("window_hours", "2", func(p *Params, v int) { p.WindowHours = v }),
			pMinOps,
		},
		domain.CodeLayeringChain: {
			intParam("min_links", "3", func(p *Params, v int) { p.MinLinks = v }),
			intParam("window_days", "7", func(p *Params, v int) { p.WindowDays = v }),
		},
		domain.CodeRapidPassThrough: {
			intParam("window_minutes", "30", func(p *Params, v int) { p.WindowMinutes = v }),
			intParam("min_relays", "3", func(p *Params, v int) { p.MinRelays = v }),
			floatParam("amount_tolerance", "0.10", false, func(p *Params, v float64) { p.AmountTolerance = v }),
		},
		domain.CodeFrequencyAnomaly: {
			intParam("window_days", "7", func(p *Params, v int) { p.WindowDays = v }),
			floatParam("growth_factor", "3", false, func(p *Params, v float64) { p.GrowthFactor = v }),
		},
		domain.CodeRoundAmounts: {
			pMinOps,
		},
	}
)

// DefaultParams returns the default parameters for a code.
func DefaultParams(code string) (Params, error) {
	return DecodeParams(code, nil)
}

// DecodeParams overlays a stored parameter bag on the defaults for code.
// Unknown keys are ignored. A present key with a malformed, negative,
// zero (where not allowed) or fractional integer value is an error.
func DecodeParams(code string, raw map[string]any) (Params, error) {
	specs, ok := paramsByCode[code]
	if !ok {
		return Params{}, fmt.Errorf("%w: %s", ErrUnknownTypology, code)
	}

	var p Params
	for _, spec := range specs {
		value := decimal.RequireFromString(spec.def)
		if v, present := raw[spec.key]; present {
			d, err := toDecimal(v)
			if err != nil {
				return Params{}, fmt.Errorf("%w: %s.%s: %v", ErrInvalidParameter, code, spec.key, err)
			}
			if d.IsNegative() || (d.IsZero() && !spec.allowZero) {
				return Params{}, fmt.Errorf("%w: %s.%s must be positive, got %s", ErrInvalidParameter, code, spec.key, d)
			}
			if spec.kind == kindInt && !d.Equal(d.Truncate(0)) {
				return Params{}, fmt.Errorf("%w: %s.%s must be an integer, got %s", ErrInvalidParameter, code, spec.key, d)
			}
			value = d
		}
		spec.set(&p, value)
	}

	for key := range raw {
		if !knownKey(specs, key) {
			slog.Debug("ignoring unknown typology parameter", "typology", code, "parameter", key)
		}
	}
	return p, nil
}

func knownKey(specs []paramSpec, key string) bool {
	for _, s := range specs {
		if s.key == key {
			return true
		}
	}
	return false
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			return decimal.Decimal{}, fmt.Errorf("not a number: %q", n)
		}
		return decimal.NewFromString(n)
	case decimal.Decimal:
		return n, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported type %T", v)
	}
}
