package recorder

import "strings"

// ParseTraceContext extracts the trace and span identifiers from the
// incoming trace headers so stored events can be correlated with the
// caller's tracing system. A well-formed W3C traceparent header wins;
// otherwise the Sentry sentry-trace form is tried. Both return values
// are empty when neither header parses.
func ParseTraceContext(traceparent, sentryTrace string) (traceID, spanID string) {
	if t, s, ok := parseTraceparent(traceparent); ok {
		return t, s
	}
	if t, s, ok := parseSentryTrace(sentryTrace); ok {
		return t, s
	}
	return "", ""
}

// parseTraceparent handles "00-<32 hex trace>-<16 hex span>-<2 hex flags>".
func parseTraceparent(header string) (string, string, bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 {
		return "", "", false
	}
	if parts[0] != "00" || !isHex(parts[1], 32) || !isHex(parts[2], 16) || !isHex(parts[3], 2) {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// parseSentryTrace handles "<32 hex trace>-<16 hex span>[-<sampled>]".
func parseSentryTrace(header string) (string, string, bool) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 2 && len(parts) != 3 {
		return "", "", false
	}
	if !isHex(parts[0], 32) || !isHex(parts[1], 16) {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func isHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
