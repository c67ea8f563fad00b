package market

import (
	"fmt"

	"PerpPool/internal/errs"
	"PerpPool/internal/fixedpoint"
)

// Option is a bounded risk parameter. The operator tier may move Value
// inside [Min, Max]; only the governor tier may move the bounds themselves.
type Option struct {
	Value fixedpoint.Value
	Min   fixedpoint.Value
	Max   fixedpoint.Value
}

// NewOption builds a validated option.
func NewOption(value, min, max fixedpoint.Value) (Option, error) {
	o := Option{Value: value, Min: min, Max: max}
	if err := o.Validate(); err != nil {
		return Option{}, err
	}
	return o, nil
}

// MustOption is NewOption for fixtures; panics on bound violation.
func MustOption(value, min, max fixedpoint.Value) Option {
	o, err := NewOption(value, min, max)
	if err != nil {
		panic(err)
	}
	return o
}

// FixedOption pins value, min and max to the same number.
func FixedOption(value fixedpoint.Value) Option {
	return Option{Value: value, Min: value, Max: value}
}

// Validate enforces Min <= Value <= Max.
func (o Option) Validate() error {
	if o.Min.Cmp(o.Max) > 0 {
		return fmt.Errorf("%w: option bounds inverted (min %s > max %s)", errs.ErrValidation, o.Min, o.Max)
	}
	if o.Value.Cmp(o.Min) < 0 || o.Value.Cmp(o.Max) > 0 {
		return fmt.Errorf("%w: option value %s outside [%s, %s]", errs.ErrValidation, o.Value, o.Min, o.Max)
	}
	return nil
}

// SetValue is the operator-tier mutation: the value may only move within
// the existing bounds.
func (o *Option) SetValue(value fixedpoint.Value) error {
	if value.Cmp(o.Min) < 0 || value.Cmp(o.Max) > 0 {
		return fmt.Errorf("%w: value %s outside [%s, %s]", errs.ErrValidation, value, o.Min, o.Max)
	}
	o.Value = value
	return nil
}

// Rebind is the governor-tier mutation: bounds may widen or tighten, and
// the value is replaced with them.
func (o *Option) Rebind(value, min, max fixedpoint.Value) error {
	next := Option{Value: value, Min: min, Max: max}
	if err := next.Validate(); err != nil {
		return err
	}
	*o = next
	return nil
}
