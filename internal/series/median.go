package series

import (
	"sort"

	"github.com/lox/damwatch/internal/models"
)

// Median returns the median of values and false for an empty slice.
// An even count yields the mean of the two central elements.
func Median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2, true
	}
	return sorted[mid], true
}

func valid(p models.Parameter, v float64) bool {
	return !p.Spec().NonNegative || v >= 0
}

// validColumn collects every value of p that satisfies its domain constraint.
func validColumn(s models.Series, p models.Parameter) []float64 {
	var column []float64
	for _, rec := range s {
		if v, ok := rec.Values[p]; ok && valid(p, v) {
			column = append(column, v)
		}
	}
	return column
}

// ColumnMedians returns the series-wide median of valid values per parameter.
// Parameters without any valid value are omitted.
func ColumnMedians(s models.Series) map[models.Parameter]float64 {
	medians := make(map[models.Parameter]float64)
	for _, p := range s.Parameters() {
		if m, ok := Median(validColumn(s, p)); ok {
			medians[p] = m
		}
	}
	return medians
}
