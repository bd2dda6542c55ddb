package storage

import "strings"

// Classification of a SQL statement for routing and WAL recording.
type Classification int

const (
	ReadOnly Classification = iota
	Mutating
)

func (c Classification) String() string {
	if c == ReadOnly {
		return "read-only"
	}
	return "mutating"
}

// Classify decides whether a statement is read-only. The predicate is a
// pure function of the trimmed upper-cased prefix: SELECT and EXPLAIN
// are read-only, as is any PRAGMA form that contains no '=' sign.
// Everything else is mutating.
func Classify(sqlText string) Classification {
	trimmed := strings.ToUpper(strings.TrimSpace(sqlText))
	switch {
	case strings.HasPrefix(trimmed, "SELECT"):
		return ReadOnly
	case strings.HasPrefix(trimmed, "EXPLAIN"):
		return ReadOnly
	case strings.HasPrefix(trimmed, "PRAGMA") && !strings.Contains(trimmed, "="):
		return ReadOnly
	default:
		return Mutating
	}
}
