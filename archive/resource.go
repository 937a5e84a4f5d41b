package archive

import (
	"github.com/elly2178/lc2-curapacs/dicomtag"
	"github.com/elly2178/lc2-curapacs/errors"
)

// Resource is one entity (patient, study, series or instance) as reported by
// an archive node. Resources are fetched, never mutated locally; the archive
// owns them and this process holds request-scoped copies only.
type Resource struct {
	ID            string            `json:"ID"`
	Type          string            `json:"Type"`
	Studies       []string          `json:"Studies,omitempty"`
	Series        []string          `json:"Series,omitempty"`
	Instances     []string          `json:"Instances,omitempty"`
	MainDicomTags map[string]string `json:"MainDicomTags,omitempty"`
}

// IsZero reports whether the resource carries no data. An empty Type means
// "not found or archive unreachable" to callers that chose to tolerate it.
func (r Resource) IsZero() bool {
	return r.ID == "" && r.Type == ""
}

// Level resolves the resource's Type field to a retrieve level
func (r Resource) Level() (dicomtag.Level, error) {
	level, err := dicomtag.ParseLevel(r.Type)
	if err != nil {
		return 0, errors.WrapInvalid(errors.ErrUnknownResourceType, "Resource", "Level", r.Type)
	}
	return level, nil
}

// children returns the IDs one hierarchy level down from this resource
func (r Resource) children(level dicomtag.Level) []string {
	switch level {
	case dicomtag.LevelPatient:
		return r.Studies
	case dicomtag.LevelStudy:
		return r.Series
	case dicomtag.LevelSeries:
		return r.Instances
	default:
		return nil
	}
}

// TagSnapshot is a flat mapping of numeric tag ("gggg,eeee") to value for one
// resource at one retrieve level, as reported by one archive node.
type TagSnapshot map[string]string

// FindQuery maps dictionary keywords to match values for one find request
type FindQuery map[string]string

// collection maps a retrieve level to the archive's collection path segment
func collection(level dicomtag.Level) string {
	switch level {
	case dicomtag.LevelPatient:
		return "patients"
	case dicomtag.LevelStudy:
		return "studies"
	case dicomtag.LevelSeries:
		return "series"
	default:
		return "instances"
	}
}
