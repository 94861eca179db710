package facet

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// FilterType controls how squad and label clauses are combined.
type FilterType string

const (
	// And requires a test to match every provided squad/label facet.
	And FilterType = "and"
	// Or requires a test to match at least one provided squad/label facet.
	Or FilterType = "or"
)

// UnassignedSquad is the squad id sentinel selecting tests without a squad.
const UnassignedSquad int64 = 0

var (
	// ErrEmptyFacet is returned when a facet is provided as an empty list.
	ErrEmptyFacet = errors.New("facet provided without values")

	// ErrInvalidFilterType is returned for filter types other than and/or.
	ErrInvalidFilterType = errors.New("invalid filter type")
)

// Kind identifies a filterable dimension.
type Kind string

// Facet kinds.
const (
	KindSquad    Kind = "squad"
	KindLabel    Kind = "label"
	KindSection  Kind = "section"
	KindPlatform Kind = "platform"
)

// Selection is the caller-facing facet filter. A nil slice means the facet
// was not provided; a non-nil empty slice is rejected.
type Selection struct {
	SquadIDs    []int64    `json:"squadIds,omitempty" yaml:"squad_ids,omitempty"`
	LabelIDs    []int64    `json:"labelIds,omitempty" yaml:"label_ids,omitempty"`
	SectionIDs  []int64    `json:"sectionIds,omitempty" yaml:"section_ids,omitempty"`
	PlatformIDs []int64    `json:"platformIds,omitempty" yaml:"platform_ids,omitempty"`
	FilterType  FilterType `json:"filterType,omitempty" yaml:"filter_type,omitempty"`
}

// Test is the facet view of a test used for in-memory evaluation.
type Test struct {
	ID         int64
	SectionID  int64
	PlatformID int64
	SquadID    *int64
	LabelIDs   []int64
}

// Clause is a single facet constraint. A squad clause with
// IncludeUnassigned also matches tests whose squad is unset.
type Clause struct {
	Kind              Kind
	IDs               []int64
	IncludeUnassigned bool
}

// Matches reports whether t satisfies the clause.
func (c Clause) Matches(t Test) bool {
	switch c.Kind {
	case KindSection:
		return slices.Contains(c.IDs, t.SectionID)
	case KindPlatform:
		return slices.Contains(c.IDs, t.PlatformID)
	case KindSquad:
		if t.SquadID == nil {
			return c.IncludeUnassigned
		}

		return slices.Contains(c.IDs, *t.SquadID)
	case KindLabel:
		for _, id := range t.LabelIDs {
			if slices.Contains(c.IDs, id) {
				return true
			}
		}

		return false
	default:
		return false
	}
}

// Predicate selects tests. Scope clauses are always AND-ed; Match clauses
// are combined using Mode. An empty Match list matches everything.
type Predicate struct {
	Scope []Clause
	Match []Clause
	Mode  FilterType
}

// Matches evaluates the predicate against t.
func (p Predicate) Matches(t Test) bool {
	for _, c := range p.Scope {
		if !c.Matches(t) {
			return false
		}
	}

	if len(p.Match) == 0 {
		return true
	}

	if p.Mode == Or {
		for _, c := range p.Match {
			if c.Matches(t) {
				return true
			}
		}

		return false
	}

	for _, c := range p.Match {
		if !c.Matches(t) {
			return false
		}
	}

	return true
}

// String renders the predicate for logging.
func (p Predicate) String() string {
	parts := make([]string, 0, len(p.Scope)+1)
	for _, c := range p.Scope {
		parts = append(parts, c.String())
	}

	if len(p.Match) > 0 {
		match := make([]string, 0, len(p.Match))
		for _, c := range p.Match {
			match = append(match, c.String())
		}

		parts = append(parts, "("+strings.Join(match, " "+string(p.Mode)+" ")+")")
	}

	if len(parts) == 0 {
		return "all"
	}

	return strings.Join(parts, " and ")
}

// String renders the clause for logging.
func (c Clause) String() string {
	s := fmt.Sprintf("%s in %v", c.Kind, c.IDs)
	if c.IncludeUnassigned {
		s += " or unassigned"
	}

	return s
}

// clauseBuilder turns one facet's ids into a clause.
type clauseBuilder struct {
	kind  Kind
	ids   []int64
	scope bool
	build func(ids []int64) Clause
}

// Resolve validates a selection and builds its predicate.
func Resolve(sel Selection) (Predicate, error) {
	mode := sel.FilterType
	if mode == "" {
		mode = And
	}

	mode = FilterType(strings.ToLower(string(mode)))
	if mode != And && mode != Or {
		return Predicate{}, fmt.Errorf("%w: %q", ErrInvalidFilterType, sel.FilterType)
	}

	builders := []clauseBuilder{
		{kind: KindSection, ids: sel.SectionIDs, scope: true, build: SectionClause},
		{kind: KindPlatform, ids: sel.PlatformIDs, scope: true, build: PlatformClause},
		{kind: KindSquad, ids: sel.SquadIDs, build: SquadClause},
		{kind: KindLabel, ids: sel.LabelIDs, build: LabelClause},
	}

	pred := Predicate{Mode: mode}

	for _, b := range builders {
		if b.ids == nil {
			continue
		}

		if len(b.ids) == 0 {
			return Predicate{}, fmt.Errorf("%w: %s", ErrEmptyFacet, b.kind)
		}

		clause := b.build(b.ids)
		if b.scope {
			pred.Scope = append(pred.Scope, clause)
		} else {
			pred.Match = append(pred.Match, clause)
		}
	}

	return pred, nil
}

// SectionClause restricts tests to the given sections.
func SectionClause(ids []int64) Clause {
	return Clause{Kind: KindSection, IDs: uniqueSorted(ids)}
}

// PlatformClause restricts tests to the given platforms.
func PlatformClause(ids []int64) Clause {
	return Clause{Kind: KindPlatform, IDs: uniqueSorted(ids)}
}

// LabelClause matches tests carrying any of the given labels.
func LabelClause(ids []int64) Clause {
	return Clause{Kind: KindLabel, IDs: uniqueSorted(ids)}
}

// SquadClause matches tests in any of the given squads. The
// UnassignedSquad sentinel is lifted into IncludeUnassigned.
func SquadClause(ids []int64) Clause {
	c := Clause{Kind: KindSquad}

	for _, id := range uniqueSorted(ids) {
		if id == UnassignedSquad {
			c.IncludeUnassigned = true

			continue
		}

		c.IDs = append(c.IDs, id)
	}

	return c
}

func uniqueSorted(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)

	return slices.Compact(out)
}
