package capture

import (
	"strings"

	"github.com/google/uuid"

	audit "auditrail/pkg/platform/audit"
)

// MaskedValue replaces the value of every sensitive field in captured payloads.
const MaskedValue = audit.MaskedValue

// alwaysMasked are credential fields masked on every route, whatever the
// route table says.
var alwaysMasked = []string{"password", "senha", "token", "accesstoken", "refreshtoken", "secret", "authorization"}

// NormalizeEndpoint strips the query string and fragment and collapses
// numeric segments to ":id" and UUID segments to ":uuid", so every request
// against the same resource maps to one endpoint.
func NormalizeEndpoint(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	segments := strings.Split(raw, "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case isNumeric(seg):
			segments[i] = ":id"
		case isUUID(seg):
			segments[i] = ":uuid"
		}
	}
	out := strings.Join(segments, "/")
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}

// EntityIDFromPath returns the first numeric or UUID segment of a path.
func EntityIDFromPath(raw string) string {
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg != "" && (isNumeric(seg) || isUUID(seg)) {
			return seg
		}
	}
	return ""
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isUUID(s string) bool {
	return len(s) == 36 && uuid.Validate(s) == nil
}

// MaskSensitive returns a deep copy of v in which the values of the given
// fields, and of credential fields, are replaced with MaskedValue. Field names
// match case-insensitively at any depth. v is expected to be JSON-shaped
// (maps, slices and scalars).
func MaskSensitive(v any, fields []string) any {
	set := make(map[string]struct{}, len(fields)+len(alwaysMasked))
	for _, f := range alwaysMasked {
		set[f] = struct{}{}
	}
	for _, f := range fields {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			set[f] = struct{}{}
		}
	}
	return mask(v, set)
}

func mask(v any, set map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, hit := set[strings.ToLower(k)]; hit {
				out[k] = MaskedValue
				continue
			}
			out[k] = mask(val, set)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, hit := set[strings.ToLower(k)]; hit {
				out[k] = MaskedValue
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = mask(val, set)
		}
		return out
	default:
		return v
	}
}
