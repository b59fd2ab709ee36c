package rules

import "github.com/opensource-clinical/formrules/internal/domain"

// Options switches behaviour kept for compatibility with existing studies.
type Options struct {
	// PartialMatchDerives lets an AND-only derivation still produce its value
	// when the first condition holds, a later one fails, and a compared field
	// has data.
	PartialMatchDerives bool `json:"partialMatchDerives"`

	// PropagateNonFinite lets NaN and Infinity results reach model values.
	// When false such results count as "no result".
	PropagateNonFinite bool `json:"propagateNonFinite"`
}

// DefaultOptions returns the compatible behaviour.
func DefaultOptions() Options {
	return Options{
		PartialMatchDerives: true,
		PropagateNonFinite:  true,
	}
}

// OptionsFromConfig maps engine configuration to Options.
func OptionsFromConfig(cfg domain.EngineConfig) Options {
	return Options{
		PartialMatchDerives: cfg.PartialMatchDerives,
		PropagateNonFinite:  cfg.PropagateNonFinite,
	}
}
