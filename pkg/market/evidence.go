package market

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Kind types an evidence payload. The set is closed; the marketplace
// rejects anything else, so the client does too, before spending a call.
type Kind string

// Known evidence kinds.
const (
	KindJSONResponse   Kind = "json_response"
	KindTextResponse   Kind = "text_response"
	KindURLReference   Kind = "url_reference"
	KindFileArtifact   Kind = "file_artifact"
	KindCodeOutput     Kind = "code_output"
	KindStructuredData Kind = "structured_data"
	KindTextReport     Kind = "text_report"
	KindScreenshot     Kind = "screenshot"
	KindAPIResponse    Kind = "api_response"
)

// Kinds is the closed set of valid evidence kinds.
var Kinds = mapset.NewThreadUnsafeSet(
	KindJSONResponse,
	KindTextResponse,
	KindURLReference,
	KindFileArtifact,
	KindCodeOutput,
	KindStructuredData,
	KindTextReport,
	KindScreenshot,
	KindAPIResponse,
)

// Valid reports whether the kind belongs to the closed set.
func (k Kind) Valid() bool {
	return Kinds.Contains(k)
}

// Evidence maps evidence kinds to their payloads. This mapping is the only
// accepted shape; in particular a {type, data} wrapper object fails
// validation because "type" and "data" are not kinds.
type Evidence map[Kind]any

// Validate checks that the mapping is non-empty, every key is a known
// kind and every payload is non-empty.
func (e Evidence) Validate() error {
	if len(e) == 0 {
		return fmt.Errorf("%w: empty mapping", ErrEvidenceShape)
	}
	for k, v := range e {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown kind %q", ErrEvidenceShape, k)
		}
		if emptyPayload(v) {
			return fmt.Errorf("%w: empty payload for %q", ErrEvidenceShape, k)
		}
	}
	return nil
}

// Missing returns the required kinds the evidence does not cover with a
// non-empty payload.
func (e Evidence) Missing(required []Kind) []Kind {
	var missing []Kind
	for _, k := range required {
		v, ok := e[k]
		if !ok || emptyPayload(v) {
			missing = append(missing, k)
		}
	}
	return missing
}

func emptyPayload(v any) bool {
	switch p := v.(type) {
	case nil:
		return true
	case string:
		return p == ""
	case map[string]any:
		return len(p) == 0
	case []any:
		return len(p) == 0
	default:
		return false
	}
}
