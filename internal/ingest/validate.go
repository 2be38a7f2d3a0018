package ingest

import (
	"math"
	"strconv"
	"strings"

	"github.com/lox/damwatch/internal/models"
)

const (
	FlagValueEmpty      = "value_empty"
	FlagValueNotNumeric = "value_not_numeric"
	FlagValueNotFinite  = "value_not_finite"
)

// ValidateValue coerces a raw value to a float. A non-empty flag means the
// value must be dropped. Negative values pass; the sanitizer owns them.
func ValidateValue(raw models.RawValue) (float64, string) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return 0, FlagValueEmpty
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, FlagValueNotNumeric
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, FlagValueNotFinite
	}
	return v, ""
}
