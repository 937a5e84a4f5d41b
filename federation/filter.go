package federation

import (
	"github.com/elly2178/lc2-curapacs/archive"
	"github.com/elly2178/lc2-curapacs/dicomtag"
)

// mandatoryTags are returned with every answer regardless of the query.
// The character set tag has to accompany any tag values it qualifies.
var mandatoryTags = []dicomtag.Tag{
	dicomtag.SpecificCharacterSet,
}

// FilterSnapshot reduces a tag snapshot to the tags the caller asked for plus
// the mandatory set, and injects QueryRetrieveLevel set to the resolved
// level. Unrequested content (pixel data above all) never leaks back through
// the federated answer. Pure transform; the input snapshot is not modified.
func FilterSnapshot(snapshot archive.TagSnapshot, query archive.FindQuery, level dicomtag.Level) archive.TagSnapshot {
	allowed := make(map[dicomtag.Tag]struct{}, len(query)+len(mandatoryTags))
	for keyword := range query {
		tag, err := dicomtag.TagForKeyword(keyword)
		if err != nil {
			// Query keywords come from the dictionary via CollateFindQuery;
			// anything else has no numeric form to answer with.
			continue
		}
		allowed[tag] = struct{}{}
	}
	for _, tag := range mandatoryTags {
		allowed[tag] = struct{}{}
	}

	filtered := archive.TagSnapshot{}
	for rawTag, value := range snapshot {
		tag, err := dicomtag.Parse(rawTag)
		if err != nil {
			continue
		}
		if _, ok := allowed[tag]; ok {
			filtered[tag.String()] = value
		}
	}

	filtered[dicomtag.QueryRetrieveLevel.String()] = level.Capitalized()
	return filtered
}
