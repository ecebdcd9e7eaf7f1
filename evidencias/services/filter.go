package services

import (
	"sort"
	"time"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/taxonomy"
)

// EvidenceFilter narrows an evidence listing. Empty fields match everything.
type EvidenceFilter struct {
	Program   string
	Dimension string
	Criterion string
	From      *time.Time
	To        *time.Time
}

// The filters are applied in memory over the cached listing rather than in
// sql. The collection is small (one row per uploaded document) and this
// keeps the rules for legacy rows in one testable place.
func applyFilter(rows []schema.Evidence, f EvidenceFilter) []schema.Evidence {
	matched := make([]schema.Evidence, 0, len(rows))

	for _, row := range rows {
		if f.Program != "" && row.Program != f.Program {
			continue
		}
		// Legacy rows have no taxonomy columns, so they never match a
		// dimension or criterion filter.
		if f.Dimension != "" && (row.Dimension == nil || *row.Dimension != f.Dimension) {
			continue
		}
		if f.Criterion != "" && (row.Criterion == nil || *row.Criterion != f.Criterion) {
			continue
		}
		if f.From != nil || f.To != nil {
			// Rows whose timestamp could not be recovered during import are
			// excluded once a date range is requested.
			if row.UploadDate.IsZero() {
				continue
			}
			if f.From != nil && row.UploadDate.Before(*f.From) {
				continue
			}
			if f.To != nil && !row.UploadDate.Before(f.To.AddDate(0, 0, 1)) {
				continue
			}
		}
		matched = append(matched, row)
	}

	return matched
}

// criterionChoices returns the criteria an evidence listing can be filtered
// by. When a dimension is selected only its criteria are offered.
func criterionChoices(dimension string) []string {
	if dimension != "" {
		return taxonomy.Criteria(dimension)
	}
	return taxonomy.AllCriteria()
}

func distinctCount(rows []schema.Evidence, key func(*schema.Evidence) string) int {
	seen := map[string]struct{}{}
	for i := range rows {
		seen[key(&rows[i])] = struct{}{}
	}
	return len(seen)
}

func countBy(rows []schema.Evidence, key func(*schema.Evidence) string) map[string]int {
	counts := map[string]int{}
	for i := range rows {
		counts[key(&rows[i])]++
	}
	return counts
}

func sortedPrograms(rows []schema.Evidence) []string {
	seen := map[string]struct{}{}
	for i := range rows {
		seen[rows[i].Program] = struct{}{}
	}
	programs := make([]string, 0, len(seen))
	for program := range seen {
		programs = append(programs, program)
	}
	sort.Strings(programs)
	return programs
}
