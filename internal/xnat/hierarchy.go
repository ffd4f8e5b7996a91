// Package xnat implements the request/response contract with an XNAT imaging
// archive: the fixed subject/experiment/scan/resource/file resource hierarchy,
// identifier entries for each level, and a client that creates the hierarchy
// with idempotent PUT requests or hands archives off to the bulk import service.
package xnat

// Level identifies one resource type in the archive hierarchy.
// The declared order is the containment order: a subject holds experiments,
// an experiment holds scans, and so on down to individual files. The upload
// walk must visit levels strictly in this order.
type Level int

const (
	LevelSubject Level = iota
	LevelExperiment
	LevelScan
	LevelResource
	LevelFile

	numLevels
)

// Levels lists every hierarchy level in containment order.
var Levels = [numLevels]Level{LevelSubject, LevelExperiment, LevelScan, LevelResource, LevelFile}

// importPrefixLen is how many leading levels are walked when the import
// service creates the rest of the hierarchy server-side.
const importPrefixLen = 2

// String returns the singular level name used in log fields.
func (l Level) String() string {
	switch l {
	case LevelSubject:
		return "subject"
	case LevelExperiment:
		return "experiment"
	case LevelScan:
		return "scan"
	case LevelResource:
		return "resource"
	case LevelFile:
		return "file"
	default:
		return "unknown"
	}
}

// Segment returns the plural URL path segment for the level ("subjects", ...).
func (l Level) Segment() string {
	return l.String() + "s"
}

// IdentifierEntry holds the archive identifier generated for one level and the
// optional query string appended to that level's creation request.
type IdentifierEntry struct {
	Level Level
	ID    string
	Query string
}

// IdentifierSet is the full, immutable set of generated identifiers for one
// upload, one entry per hierarchy level.
type IdentifierSet struct {
	entries [numLevels]IdentifierEntry
}

// NewIdentifierSet builds a set from one entry per level. Entries are keyed by
// their Level field; the last entry wins if a level repeats.
func NewIdentifierSet(entries ...IdentifierEntry) IdentifierSet {
	var s IdentifierSet
	for _, e := range entries {
		if e.Level >= 0 && e.Level < numLevels {
			s.entries[e.Level] = e
		}
	}
	return s
}

// Entry returns the identifier entry for a level.
func (s IdentifierSet) Entry(l Level) IdentifierEntry {
	return s.entries[l]
}

// ExistingIDs carries identifiers the archive already assigned on a previous
// upload. Only the subject and experiment levels support reuse: they are the
// shared containers, while scan, resource and file are always created fresh
// for each upload. That asymmetry is policy, not accident.
type ExistingIDs struct {
	Subject    string
	Experiment string
}

// lookup returns the pre-existing identifier for a level, if the level
// supports reuse and an identifier was recorded.
func (e ExistingIDs) lookup(l Level) (string, bool) {
	switch l {
	case LevelSubject:
		if e.Subject != "" {
			return e.Subject, true
		}
	case LevelExperiment:
		if e.Experiment != "" {
			return e.Experiment, true
		}
	}
	return "", false
}
