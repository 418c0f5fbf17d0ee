package messaging

import "strings"

// NormalizeE164 ensures the value begins with + and only contains digits afterward.
// WhatsApp-prefixed contacts ("whatsapp:+1555...") keep their prefix.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	prefix := ""
	if rest, ok := strings.CutPrefix(value, "whatsapp:"); ok {
		prefix = "whatsapp:"
		value = rest
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	return prefix + "+" + digits
}

func sanitizePhone(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
