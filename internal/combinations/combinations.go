// Package combinations expands a project's segments into hook x body x cta variants.
package combinations

import (
	"fmt"
	"sort"

	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/apperror"
)

// Combination is one hook+body+cta triple with its variant code.
type Combination struct {
	Hook models.Segment
	Body models.Segment
	CTA  models.Segment
	Code string
}

// Generate returns the Cartesian product of the hook, body and cta segments. Each bucket is
// ordered by sort_order (ties by id) and codes use the 1-based positions: h{i}-b{j}-c{k}.
// Segments of unknown type are ignored.
func Generate(segments []models.Segment) ([]Combination, error) {
	var hooks, bodies, ctas []models.Segment
	for _, s := range segments {
		switch s.Type {
		case models.SegmentTypeHook:
			hooks = append(hooks, s)
		case models.SegmentTypeBody:
			bodies = append(bodies, s)
		case models.SegmentTypeCTA:
			ctas = append(ctas, s)
		}
	}
	var missing []string
	if len(hooks) == 0 {
		missing = append(missing, models.SegmentTypeHook)
	}
	if len(bodies) == 0 {
		missing = append(missing, models.SegmentTypeBody)
	}
	if len(ctas) == 0 {
		missing = append(missing, models.SegmentTypeCTA)
	}
	if len(missing) > 0 {
		return nil, apperror.Validation("generate combinations", "at least one segment of each type is required, missing %v", missing)
	}

	sortSegments(hooks)
	sortSegments(bodies)
	sortSegments(ctas)

	out := make([]Combination, 0, len(hooks)*len(bodies)*len(ctas))
	for i, h := range hooks {
		for j, b := range bodies {
			for k, c := range ctas {
				out = append(out, Combination{
					Hook: h,
					Body: b,
					CTA:  c,
					Code: Code(i+1, j+1, k+1),
				})
			}
		}
	}
	return out, nil
}

// Code formats a variant code from 1-based positions.
func Code(hook, body, cta int) string {
	return fmt.Sprintf("h%d-b%d-c%d", hook, body, cta)
}

func sortSegments(s []models.Segment) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].SortOrder != s[j].SortOrder {
			return s[i].SortOrder < s[j].SortOrder
		}
		return s[i].ID.String() < s[j].ID.String()
	})
}
