package rules

import (
	"testing"

	"github.com/opensource-clinical/formrules/internal/domain"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		format string
		want   OutputFormat
	}{
		{"", OutputFormat{Type: OutputNone, MaxLength: -1}},
		{"NN.N", OutputFormat{Type: OutputNumber, Decimals: 0, MaxLength: -1}},
		{"9.2", OutputFormat{Type: OutputNumber, Decimals: 2, MaxLength: -1}},
		{"$20", OutputFormat{Type: OutputString, MaxLength: 20}},
		{"$", OutputFormat{Type: OutputString, MaxLength: -1}},
		{"3", OutputFormat{Type: OutputNumber, MaxLength: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			if got := ParseFormat(tt.format); got != tt.want {
				t.Errorf("ParseFormat(%q) = %+v, want %+v", tt.format, got, tt.want)
			}
		})
	}
}

func TestRound(t *testing.T) {
	f := OutputFormat{Type: OutputNumber, Decimals: 2}
	if got := f.Round(22.857142); got != 22.86 {
		t.Errorf("Round = %v, want 22.86", got)
	}
	whole := OutputFormat{Type: OutputNumber}
	if got := whole.Round(1.5); got != 2 {
		t.Errorf("Round = %v, want 2", got)
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		name   string
		format string
		in     domain.Value
		want   domain.Value
	}{
		{"longer than limit", "$3", str("Severe"), str("Sev")},
		{"within limit", "$10", str("Mild"), str("Mild")},
		{"counts characters", "$2", str("über"), str("üb")},
		{"unbounded", "$", str("Moderate"), str("Moderate")},
		{"number format", "9.2", str("Severe"), str("Severe")},
		{"number value", "$1", num(123), num(123)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseFormat(tt.format).Clip(tt.in)
			if got.Kind() != tt.want.Kind() || got.String() != tt.want.String() {
				t.Errorf("Clip = %v, want %v", got, tt.want)
			}
		})
	}
}
