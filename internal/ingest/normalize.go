package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/lox/damwatch/internal/models"
)

// SourceTable maps provider source identifiers (table names, tags) to parameters.
type SourceTable map[string]models.Parameter

// ParseSourceTable parses "source=PARAMETER" pairs.
func ParseSourceTable(pairs []string) (SourceTable, error) {
	table := make(SourceTable, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		source, param, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(source) == "" {
			return nil, fmt.Errorf("source map entry %q: want source=PARAMETER", pair)
		}
		p, err := models.ParseParameter(param)
		if err != nil {
			return nil, fmt.Errorf("source map entry %q: %w", pair, err)
		}
		table[strings.ToLower(strings.TrimSpace(source))] = p
	}
	return table, nil
}

// Lookup resolves a source identifier, falling back to the identifier itself
// naming a parameter.
func (t SourceTable) Lookup(sourceID string) (models.Parameter, bool) {
	if p, ok := t[strings.ToLower(strings.TrimSpace(sourceID))]; ok {
		return p, true
	}
	p, err := models.ParseParameter(sourceID)
	if err != nil {
		return "", false
	}
	return p, true
}

type IngestStats struct {
	Received      int
	Parsed        int
	BadTimestamp  int
	BadValue      int
	UnknownSource int
	FirstError    string
}

func (s IngestStats) Dropped() int {
	return s.BadTimestamp + s.BadValue + s.UnknownSource
}

func (s *IngestStats) drop(i int, reason string) {
	if s.FirstError == "" {
		s.FirstError = fmt.Sprintf("record[%d]: %s", i, reason)
	}
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

// ParseTimestamp accepts RFC3339 or a zone-less layout interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// Ingest normalizes raw provider records into readings. Records that cannot
// be mapped, dated or coerced to a number are dropped and counted, never
// returned as errors.
func Ingest(raw []models.RawRecord, table SourceTable, loc *time.Location) ([]models.Reading, IngestStats) {
	stats := IngestStats{Received: len(raw)}
	readings := make([]models.Reading, 0, len(raw))

	for i, rec := range raw {
		param, ok := table.Lookup(rec.SourceID)
		if !ok {
			stats.UnknownSource++
			stats.drop(i, fmt.Sprintf("unknown source %q", rec.SourceID))
			continue
		}

		ts, err := ParseTimestamp(rec.Timestamp, loc)
		if err != nil {
			stats.BadTimestamp++
			stats.drop(i, err.Error())
			continue
		}

		value, flag := ValidateValue(rec.Value)
		if flag != "" {
			stats.BadValue++
			stats.drop(i, fmt.Sprintf("%s: %q", flag, string(rec.Value)))
			continue
		}

		readings = append(readings, models.Reading{
			SourceID:  rec.SourceID,
			Parameter: param,
			Timestamp: ts.In(loc),
			Value:     value,
		})
		stats.Parsed++
	}

	return readings, stats
}
