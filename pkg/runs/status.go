package runs

import (
	"strings"

	"github.com/ethpandaops/testoor/pkg/store"
)

// ParseStatus canonicalizes a membership status. Matching ignores case and
// surrounding whitespace.
func ParseStatus(s string) (string, bool) {
	s = strings.TrimSpace(s)

	for _, status := range store.Statuses {
		if strings.EqualFold(s, status) {
			return status, true
		}
	}

	return "", false
}

// allowedFrom maps a target run status to the statuses it can be reached
// from. Archived and Deleted are terminal and there is no unlock.
var allowedFrom = map[string][]string{
	store.RunStatusLocked:   {store.RunStatusActive},
	store.RunStatusArchived: {store.RunStatusActive, store.RunStatusLocked},
	store.RunStatusDeleted:  {store.RunStatusActive, store.RunStatusLocked},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}

	return false
}

func vocabulary() string {
	return strings.Join(store.Statuses, ", ")
}
