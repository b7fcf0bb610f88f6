package logger

import "strings"

// RedactEmail masks an email address for safe logging.
// "john.doe@example.com" → "jo***@example.com"
// Short local parts (≤2 chars) are fully masked: "ab@example.com" → "***@example.com"
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	name := parts[0]
	if len(name) > 2 {
		return name[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}

// RedactAddress masks a street address for safe logging, keeping the
// house number and the street's first letter.
// "123 Main St" → "123 M***"
func RedactAddress(addr string) string {
	fields := strings.Fields(strings.TrimSpace(addr))
	if len(fields) == 0 {
		return ""
	}
	if len(fields) == 1 {
		return mask(fields[0])
	}
	return fields[0] + " " + mask(fields[1])
}

func mask(s string) string {
	if s == "" {
		return "***"
	}
	return s[:1] + "***"
}
