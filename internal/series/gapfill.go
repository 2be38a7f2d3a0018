package series

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/damwatch/internal/models"
)

// ErrPrecondition marks a series that violates the sorted, unique, hourly
// contract the aggregator guarantees. It is fatal for the pipeline run.
var ErrPrecondition = errors.New("series precondition violated")

type FillReport struct {
	Synthesized int
}

// FillGaps inserts a record at every missing hour between adjacent records.
// Synthesized records carry the series-wide median of each parameter,
// computed once over the input. Parameters without any valid value stay
// absent in synthesized records.
func FillGaps(s models.Series) (models.Series, FillReport, error) {
	var report FillReport
	if len(s) == 0 {
		return models.Series{}, report, nil
	}

	medians := ColumnMedians(s)
	loc := s[0].Hour.Location()

	out := make(models.Series, 0, len(s))
	out = append(out, s[0].Clone())

	for i := 1; i < len(s); i++ {
		prev, curr := s[i-1], s[i]
		diff := curr.Hour.Sub(prev.Hour)

		if diff <= 0 {
			return nil, report, fmt.Errorf("%w: %q followed by %q", ErrPrecondition, prev.Key, curr.Key)
		}
		if diff%time.Hour != 0 {
			return nil, report, fmt.Errorf("%w: %q and %q are %s apart", ErrPrecondition, prev.Key, curr.Key, diff)
		}

		missing := int(diff/time.Hour) - 1
		for h := 1; h <= missing; h++ {
			at := prev.Hour.Add(time.Duration(h) * time.Hour)
			filler := models.HourlyRecord{
				Key:    Key(at, loc),
				Hour:   at.In(loc),
				Values: make(map[models.Parameter]float64, len(medians)),
				Filled: true,
			}
			for p, m := range medians {
				filler.Values[p] = m
			}
			out = append(out, filler)
			report.Synthesized++
		}

		out = append(out, curr.Clone())
	}

	return out, report, nil
}

// Reconcile runs sanitization then gap filling.
func Reconcile(s models.Series) (models.Series, SanitizeReport, FillReport, error) {
	clean, sanitized := Sanitize(s)
	filled, fill, err := FillGaps(clean)
	if err != nil {
		return nil, sanitized, fill, err
	}
	return filled, sanitized, fill, nil
}
