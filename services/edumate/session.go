package edumatesvc

import (
	"sort"
	"strings"
)

// Session is a flat cookie jar: name -> value pairs only. Cookie attributes
// (domain, path, expiry) are not tracked; the upstream backend keys sessions
// purely on name=value pairs.
type Session map[string]string

// ParseSession parses a serialized "k=v; k2=v2" cookie string.
func ParseSession(s string) Session {
	sess := Session{}
	for _, part := range strings.Split(s, ";") {
		name, value, ok := strings.Cut(part, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			sess[name] = value
		}
	}
	return sess
}

// Merge folds Set-Cookie header values into the jar, last writer wins.
// Pure: the receiver is not modified.
func (s Session) Merge(setCookies []string) Session {
	merged := make(Session, len(s)+len(setCookies))
	for name, value := range s {
		merged[name] = value
	}
	for _, c := range setCookies {
		// drop attributes after the first ';'
		pair, _, _ := strings.Cut(c, ";")
		name, value, ok := strings.Cut(pair, "=")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			merged[name] = value
		}
	}
	return merged
}

// String serializes the jar as a Cookie header value, sorted by name so the
// same jar always serializes identically.
func (s Session) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+s[name])
	}
	return strings.Join(pairs, "; ")
}
