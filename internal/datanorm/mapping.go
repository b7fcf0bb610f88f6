package datanorm

import (
	"sort"
	"strings"
)

// ApplyMapping renames raw headers to canonical keys. An explicit
// canonical-field → raw-header mapping wins; canonical fields it leaves
// unmapped (or mapped to an empty cell) fall back to the alias table,
// then to the canonical name itself. Missing values come through as "".
func ApplyMapping(rows []map[string]string, mapping map[string]string, alias map[string][]string) []map[string]string {
	out := make([]map[string]string, 0, len(rows))
	for _, r := range rows {
		low := make(map[string]string, len(r))
		for k, v := range r {
			low[strings.ToLower(strings.TrimSpace(k))] = v
		}

		canonical := make(map[string]string, len(alias))
		for want, src := range mapping {
			srcL := strings.ToLower(strings.TrimSpace(src))
			if srcL != "" {
				canonical[want] = low[srcL]
			}
		}
		for want, alts := range alias {
			if canonical[want] != "" {
				continue
			}
			canonical[want] = firstPresent(low, append(alts, want))
		}
		out = append(out, canonical)
	}
	return out
}

func firstPresent(low map[string]string, names []string) string {
	for _, n := range names {
		if v := low[strings.ToLower(n)]; v != "" {
			return v
		}
	}
	return ""
}

// MissingRequired reports which required canonical fields are neither
// explicitly mapped to an extant raw header nor covered by an alias in
// the uploaded headers. Empty result means the source is ready.
func MissingRequired(src Source, headers []string, mapping map[string]string) []string {
	required, alias := CanonFor(src)

	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[strings.ToLower(strings.TrimSpace(h))] = true
	}

	var missing []string
	for _, want := range required {
		if mapped := mapping[want]; mapped != "" && present[strings.ToLower(strings.TrimSpace(mapped))] {
			continue
		}
		if aliasCovered(present, append(alias[want], want)) {
			continue
		}
		missing = append(missing, want)
	}
	sort.Strings(missing)
	return missing
}

func aliasCovered(present map[string]bool, names []string) bool {
	for _, n := range names {
		if present[strings.ToLower(n)] {
			return true
		}
	}
	return false
}
