package series

import (
	"github.com/lox/damwatch/internal/models"
)

// SanitizeReport counts, per parameter, how many invalid values were imputed
// and how many had to be left as-is because no valid value existed.
type SanitizeReport struct {
	Imputed     map[models.Parameter]int
	Unsanitized map[models.Parameter]int
}

func (r SanitizeReport) TotalUnsanitized() int {
	n := 0
	for _, c := range r.Unsanitized {
		n += c
	}
	return n
}

// Sanitize replaces negative values of non-negative parameters. The
// replacement is the median of the valid values in the immediately adjacent
// records, falling back to the median of all valid values of the parameter.
// When the parameter has no valid value anywhere the original is kept and
// reported as unsanitized. Neighbors are judged on the input, so the result
// does not depend on the order invalid values are visited.
func Sanitize(s models.Series) (models.Series, SanitizeReport) {
	report := SanitizeReport{
		Imputed:     make(map[models.Parameter]int),
		Unsanitized: make(map[models.Parameter]int),
	}

	out := make(models.Series, len(s))
	for i, rec := range s {
		out[i] = rec.Clone()
	}

	for _, p := range s.Parameters() {
		if !p.Spec().NonNegative {
			continue
		}

		global, hasGlobal := Median(validColumn(s, p))

		for i, rec := range s {
			v, ok := rec.Values[p]
			if !ok || valid(p, v) {
				continue
			}

			var neighbors []float64
			if i > 0 {
				if nv, ok := s[i-1].Values[p]; ok && valid(p, nv) {
					neighbors = append(neighbors, nv)
				}
			}
			if i+1 < len(s) {
				if nv, ok := s[i+1].Values[p]; ok && valid(p, nv) {
					neighbors = append(neighbors, nv)
				}
			}

			if m, ok := Median(neighbors); ok {
				out[i].Values[p] = m
				report.Imputed[p]++
				continue
			}
			if hasGlobal {
				out[i].Values[p] = global
				report.Imputed[p]++
				continue
			}
			report.Unsanitized[p]++
		}
	}

	return out, report
}
