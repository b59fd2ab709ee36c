package rules

import (
	"math"
	"strconv"
	"strings"

	"github.com/opensource-clinical/formrules/internal/domain"
)

// OutputType is the kind of value a field format accepts.
type OutputType string

const (
	OutputNone   OutputType = ""
	OutputNumber OutputType = "number"
	OutputString OutputType = "string"
)

// OutputFormat describes how a derived value must be shaped for its field.
type OutputFormat struct {
	Type      OutputType
	Decimals  int // digits after the point; 0 means a whole number
	MaxLength int // -1 when unbounded
}

// ParseFormat reads a field format string. A "." marks a number whose
// decimal count follows the last "."; a "$" marks a string whose maximum
// length follows the last "$"; any other non-empty format is a whole number.
func ParseFormat(format string) OutputFormat {
	out := OutputFormat{Type: OutputNone, MaxLength: -1}
	if format == "" {
		return out
	}
	switch {
	case strings.Contains(format, "."):
		out.Type = OutputNumber
		out.Decimals = atoiOrZero(format[strings.LastIndex(format, ".")+1:])
	case strings.Contains(format, "$"):
		out.Type = OutputString
		if n, err := strconv.Atoi(strings.TrimSpace(format[strings.LastIndex(format, "$")+1:])); err == nil {
			out.MaxLength = n
		}
	default:
		out.Type = OutputNumber
	}
	return out
}

// Round rounds f to the format's decimal places. Non-finite input is
// returned unchanged.
func (f OutputFormat) Round(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', f.Decimals, 64), 64)
	if err != nil {
		return v
	}
	return rounded
}

// Clip cuts a string value to the format's maximum length in characters.
// Other values pass through.
func (f OutputFormat) Clip(v domain.Value) domain.Value {
	if f.Type != OutputString || f.MaxLength < 0 || v.Kind() != domain.KindString {
		return v
	}
	r := []rune(v.String())
	if len(r) <= f.MaxLength {
		return v
	}
	return domain.String(string(r[:f.MaxLength]))
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
