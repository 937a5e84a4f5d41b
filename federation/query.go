package federation

import (
	"encoding/json"
	"log/slog"

	"github.com/elly2178/lc2-curapacs/archive"
	"github.com/elly2178/lc2-curapacs/dicomtag"
	"github.com/elly2178/lc2-curapacs/errors"
)

// DecodeRequest parses the flat JSON body of a federated query: numeric tags
// ("gggg,eeee") mapped to match values.
func DecodeRequest(rawBody []byte) (map[string]string, error) {
	var body map[string]string
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedRequest, "Engine", "DecodeRequest",
			"parse request body")
	}
	return body, nil
}

// ResolveLevel reads the QueryRetrieveLevel tag out of the decoded body and
// normalizes it. The legacy "Image" token maps to the instance level.
func ResolveLevel(body map[string]string) (dicomtag.Level, error) {
	raw, ok := body[dicomtag.QueryRetrieveLevel.String()]
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrMissingLevel, "Engine", "ResolveLevel",
			"tag 0008,0052 absent")
	}
	return dicomtag.ParseLevel(raw)
}

// CollateFindQuery converts the numeric tags of the request body into the
// keyword query submitted to /tools/find. The QueryRetrieveLevel tag is
// consumed by ResolveLevel and skipped here. Tags that cannot be resolved or
// whose keyword is not legal at the requested level are dropped with a
// warning; a query degrades gracefully rather than failing on extra fields.
func CollateFindQuery(body map[string]string, level dicomtag.Level, logger *slog.Logger) archive.FindQuery {
	query := archive.FindQuery{}
	for rawTag, value := range body {
		tag, err := dicomtag.Parse(rawTag)
		if err != nil {
			logger.Warn("dropping unparseable tag from find query", "tag", rawTag)
			continue
		}
		if tag.Equals(dicomtag.QueryRetrieveLevel) {
			continue
		}
		keyword, err := dicomtag.KeywordForTag(tag)
		if err != nil {
			logger.Warn("dropping unknown tag from find query", "tag", tag.String())
			continue
		}
		if !dicomtag.KeywordAllowed(level, keyword) {
			logger.Warn("find query contains invalid keyword for retrieve level",
				"keyword", keyword, "level", level.String())
			continue
		}
		query[keyword] = value
	}
	return query
}
