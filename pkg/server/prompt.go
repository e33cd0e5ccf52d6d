package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"
)

const maxTitleLen = 80

// titleFromPrompt derives a conversation title from the first prompt:
// first line, collapsed whitespace, truncated on a rune boundary.
func titleFromPrompt(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(line) <= maxTitleLen {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxTitleLen-1]) + "…"
}

// promptWithHints prepends geolocation request hints from the edge
// proxy headers, when present, so the model can localize its answer.
func promptWithHints(prompt string, r *http.Request) string {
	var hints []string
	for header, label := range map[string]string{
		"X-Geo-City":      "city",
		"X-Geo-Region":    "region",
		"X-Geo-Country":   "country",
		"X-Geo-Latitude":  "latitude",
		"X-Geo-Longitude": "longitude",
	} {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			hints = append(hints, fmt.Sprintf("%s=%s", label, v))
		}
	}
	if len(hints) == 0 {
		return prompt
	}
	// Map iteration order is random; keep the hint block stable.
	sort.Strings(hints)
	return "About the origin of this request: " + strings.Join(hints, ", ") + "\n\n" + prompt
}
