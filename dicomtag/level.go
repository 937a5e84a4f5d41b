package dicomtag

import (
	"fmt"
	"strings"

	"github.com/elly2178/lc2-curapacs/errors"
)

// Level is the granularity of a query or result, ordered by containment:
// a patient contains studies, a study contains series, a series contains
// instances.
type Level int

const (
	// LevelPatient is the outermost retrieve level
	LevelPatient Level = iota
	// LevelStudy groups series under one examination
	LevelStudy
	// LevelSeries groups instances produced by one acquisition
	LevelSeries
	// LevelInstance is the leaf level, one stored object
	LevelInstance
)

// String returns the lowercase level token used in find requests
func (l Level) String() string {
	switch l {
	case LevelPatient:
		return "patient"
	case LevelStudy:
		return "study"
	case LevelSeries:
		return "series"
	case LevelInstance:
		return "instance"
	default:
		return "unknown"
	}
}

// Capitalized returns the level spelled the way the archive reports resource
// types and the way QueryRetrieveLevel is answered, e.g. "Study".
func (l Level) Capitalized() string {
	s := l.String()
	if s == "unknown" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Contains reports whether resources at this level enclose resources at the
// other level. Every level contains itself.
func (l Level) Contains(other Level) bool {
	return l <= other
}

// ParseLevel normalizes a level token. The legacy token "image" is a synonym
// for the instance level and is folded in here.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return LevelPatient, nil
	case "study":
		return LevelStudy, nil
	case "series":
		return LevelSeries, nil
	case "instance", "image":
		return LevelInstance, nil
	default:
		return 0, errors.WrapInvalid(errors.ErrUnknownLevel, "Level", "ParseLevel",
			fmt.Sprintf("unrecognized level %q", s))
	}
}

// validKeywords is the fixed per-level allow-list. It is a design invariant,
// not configuration: keywords outside the list for the requested level are
// dropped from outbound queries with a warning, never an error.
var validKeywords = map[Level][]string{
	LevelPatient: {
		"PatientName", "PatientID", "IssuerOfPatientID",
		"PatientBirthDate", "PatientBirthTime", "PatientSex",
		"OtherPatientNames", "EthnicGroup", "PatientComments",
	},
	LevelStudy: {
		"StudyDate", "StudyTime", "AccessionNumber",
		"ReferringPhysicianName", "StudyDescription",
		"NameOfPhysiciansReadingStudy", "AdmittingDiagnosesDescription",
		"PatientAge", "PatientSize", "PatientWeight", "Occupation",
		"AdditionalPatientHistory", "StudyInstanceUID", "StudyID",
	},
	LevelSeries: {
		"Modality", "SeriesInstanceUID", "SeriesNumber",
	},
	LevelInstance: {
		"SOPInstanceUID", "InstanceNumber",
	},
}

// ValidKeywords returns the keywords legal in a find query at the given level
func ValidKeywords(level Level) []string {
	keywords := validKeywords[level]
	out := make([]string, len(keywords))
	copy(out, keywords)
	return out
}

// KeywordAllowed reports whether a keyword is legal at the given level
func KeywordAllowed(level Level, keyword string) bool {
	for _, k := range validKeywords[level] {
		if k == keyword {
			return true
		}
	}
	return false
}
