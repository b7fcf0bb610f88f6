// Package normalize canonicalizes US street addresses and derives the
// stable identity strings the staging and matching layers key on. All
// functions here are pure: no IO, no randomness, no clock.
package normalize

import (
	"regexp"
	"strings"
)

// streetTypes maps every accepted spelling of a street suffix to its
// canonical form. Dotted variants are listed even though token cleanup
// strips trailing dots, so the table doubles as documentation of accepted
// input.
var streetTypes = map[string]string{
	"street": "street", "st": "street", "st.": "street",
	"road": "road", "rd": "road", "rd.": "road",
	"avenue": "avenue", "ave": "avenue", "ave.": "avenue", "av": "avenue", "av.": "avenue",
	"boulevard": "boulevard", "blvd": "boulevard", "blvd.": "boulevard",
	"lane": "lane", "ln": "lane", "ln.": "lane",
	"drive": "drive", "dr": "drive", "dr.": "drive",
	"court": "court", "ct": "court", "ct.": "court",
	"circle": "circle", "cir": "circle", "cir.": "circle",
	"parkway": "parkway", "pkwy": "parkway", "pkwy.": "parkway",
	"highway": "highway", "hwy": "highway", "hwy.": "highway",
	"terrace": "terrace", "ter": "terrace", "ter.": "terrace",
	"place": "place", "pl": "place", "pl.": "place",
	"way": "way", "wy": "way", "wy.": "way",
	"trail": "trail", "trl": "trail", "trl.": "trail",
	"alley": "alley", "aly": "alley", "aly.": "alley",
	"common": "common", "cmn": "common", "cmn.": "common",
	"park": "park",
}

var directionals = map[string]string{
	"n": "north", "n.": "north", "north": "north",
	"s": "south", "s.": "south", "south": "south",
	"e": "east", "e.": "east", "east": "east",
	"w": "west", "w.": "west", "west": "west",
	"ne": "northeast", "ne.": "northeast",
	"nw": "northwest", "nw.": "northwest",
	"se": "southeast", "se.": "southeast",
	"sw": "southwest", "sw.": "southwest",
}

var (
	wsRE          = regexp.MustCompile(`\s+`)
	nonWordKeepRE = regexp.MustCompile(`[^\w#\s]`) // keep '#' for units
	nonDigitRE    = regexp.MustCompile(`\D+`)
)

func squashWS(s string) string {
	return strings.TrimSpace(wsRE.ReplaceAllString(s, " "))
}

func normToken(tok string) string {
	t := strings.Trim(strings.ToLower(tok), ".,")
	if v, ok := streetTypes[t]; ok {
		return v
	}
	if v, ok := directionals[t]; ok {
		return v
	}
	return t
}

// NormalizeAddress1 lowercases an address line, folds hyphens to spaces,
// strips punctuation except '#', and canonicalizes street-type and
// directional tokens. Idempotent: applying it twice equals applying once.
func NormalizeAddress1(s string) string {
	s = strings.ReplaceAll(s, "-", " ")
	s = nonWordKeepRE.ReplaceAllString(s, " ")
	fields := strings.Fields(strings.ToLower(s))
	parts := make([]string, 0, len(fields))
	for _, p := range fields {
		parts = append(parts, normToken(p))
	}
	return squashWS(strings.Join(parts, " "))
}

// BlockKey returns the coarse matcher bucket "<first-token>|<second-token-initial>"
// for an already-normalized address line, or "" when the line has no tokens.
func BlockKey(addr1 string) string {
	toks := strings.Fields(squashWS(addr1))
	if len(toks) == 0 {
		return ""
	}
	second := ""
	if len(toks) > 1 {
		second = toks[1][:1]
	}
	return strings.ToLower(toks[0] + "|" + second)
}

// Zip5 returns the first 5 numeric digits of a ZIP/ZIP+4, preserving
// leading zeros: "02139-4307" -> "02139", " 85004 1234 " -> "85004".
func Zip5(z string) string {
	digits := nonDigitRE.ReplaceAllString(strings.TrimSpace(z), "")
	if len(digits) > 5 {
		return digits[:5]
	}
	return digits
}

// Tokens splits an address line into normalized tokens.
func Tokens(s string) []string {
	return strings.Fields(NormalizeAddress1(s))
}

var streetTypeValues = valueSet(streetTypes)
var directionalValues = valueSet(directionals)

func valueSet(m map[string]string) map[string]bool {
	out := make(map[string]bool, len(m))
	for _, v := range m {
		out[v] = true
	}
	return out
}

// StreetTypeOf returns the canonical street type when the last token is
// one, else "".
func StreetTypeOf(toks []string) string {
	if len(toks) == 0 {
		return ""
	}
	if last := toks[len(toks)-1]; streetTypeValues[last] {
		return last
	}
	return ""
}

// DirectionalIn returns the first canonical directional token present,
// else "".
func DirectionalIn(toks []string) string {
	for _, t := range toks {
		if directionalValues[t] {
			return t
		}
	}
	return ""
}

var unitMarkers = map[string]bool{
	"apt": true, "apartment": true, "unit": true, "suite": true, "ste": true,
}

// UnitOf extracts a unit designator from normalized tokens as "#<value>".
// Accepts either a literal "#4" token or a marker word followed by the
// unit value ("apt 4" -> "#4"). Returns "" when no unit is present.
func UnitOf(toks []string) string {
	for i, t := range toks {
		if strings.HasPrefix(t, "#") && len(t) > 1 {
			return t
		}
		if unitMarkers[t] && i+1 < len(toks) {
			return "#" + toks[i+1]
		}
	}
	return ""
}

// BuildFullAddress produces the stable lowercased address identity used
// for hashing and display: normalized address1, raw address2, city, state
// and ZIP5, whitespace-collapsed.
func BuildFullAddress(addr1, addr2, city, state, zip string) string {
	parts := []string{
		NormalizeAddress1(addr1),
		strings.TrimSpace(addr2),
		strings.TrimSpace(city),
		strings.TrimSpace(state),
		Zip5(zip),
	}
	return strings.ToLower(squashWS(strings.Join(parts, " ")))
}
