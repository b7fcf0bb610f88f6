package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

// Identity key prefixes for synthesized keys.
const (
	mailKeyPrefix  = "mk_"
	jobIndexPrefix = "jid_"
)

const dateLayout = "2006-01-02"

func hashKey(prefix, fullAddress string, d time.Time) string {
	sum := sha1.Sum([]byte(fullAddress + "|" + d.Format(dateLayout)))
	return prefix + hex.EncodeToString(sum[:])[:16]
}

// MailKey derives the per-user stable identifier of a mail contact.
// A non-empty source id wins; otherwise a key is synthesized only when
// BOTH the full address and the sent date are present. Returns "" when
// no key can be derived — such rows must be dropped before staging.
func MailKey(sourceID, fullAddress string, sentDate *time.Time) string {
	if sid := strings.TrimSpace(sourceID); sid != "" {
		return sid
	}
	if fullAddress != "" && sentDate != nil {
		return hashKey(mailKeyPrefix, fullAddress, *sentDate)
	}
	return ""
}

// JobIndex derives the per-user stable identifier of a CRM job, with the
// same AND-semantics fallback as MailKey.
func JobIndex(sourceID, fullAddress string, jobDate *time.Time) string {
	if sid := strings.TrimSpace(sourceID); sid != "" {
		return sid
	}
	if fullAddress != "" && jobDate != nil {
		return hashKey(jobIndexPrefix, fullAddress, *jobDate)
	}
	return ""
}

// Synthesized reports whether a key was hash-derived rather than taken
// from an upstream source id.
func Synthesized(key string) bool {
	return strings.HasPrefix(key, mailKeyPrefix) || strings.HasPrefix(key, jobIndexPrefix)
}
