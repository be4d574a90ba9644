package engine

import "strings"

// RequestCookies returns the Cookie header values of a raw HTTP request, joined
// with "; ". Only the header block (up to the first blank line) is inspected.
func RequestCookies(raw string) string {
	var cookies []string
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if i == 0 {
			continue // request line
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "cookie") {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			cookies = append(cookies, value)
		}
	}
	return strings.Join(cookies, "; ")
}
