package fingerprint

import (
	"net/http"
	"strings"
	"time"
)

const etagPart = 16

// ETag derives a strong validator from the significant and structural
// hashes, so volatile bytes alone never invalidate a crawler's copy.
func ETag(fp Fingerprint) string {
	if fp.SignificantHash == "" && fp.StructuralHash == "" {
		return ""
	}
	return `"` + prefix(fp.SignificantHash) + "-" + prefix(fp.StructuralHash) + `"`
}

func prefix(s string) string {
	if len(s) > etagPart {
		return s[:etagPart]
	}
	return s
}

// NotModified evaluates If-None-Match and If-Modified-Since for a GET or
// HEAD request. If-None-Match takes precedence when present.
func NotModified(r *http.Request, etag string, lastModified time.Time) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if values := r.Header.Values("If-None-Match"); len(values) > 0 {
		if etag == "" {
			return false
		}
		return etagMatches(strings.Join(values, ","), etag)
	}
	ims := r.Header.Get("If-Modified-Since")
	if ims == "" || lastModified.IsZero() {
		return false
	}
	since, err := http.ParseTime(ims)
	if err != nil {
		return false
	}
	return !lastModified.Truncate(time.Second).After(since)
}

// etagMatches uses weak comparison as required for If-None-Match.
func etagMatches(header, etag string) bool {
	target := strings.TrimPrefix(etag, "W/")
	for _, part := range strings.Split(header, ",") {
		candidate := strings.TrimSpace(part)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == target {
			return true
		}
	}
	return false
}
