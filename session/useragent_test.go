package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		typ     string
		browser string
		os      string
	}{
		{
			name:    "chrome on windows",
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			typ:     "desktop",
			browser: "Chrome",
			os:      "Windows",
		},
		{
			name:    "edge on windows",
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.2478.51",
			typ:     "desktop",
			browser: "Edge",
			os:      "Windows",
		},
		{
			name:    "safari on mac",
			ua:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			typ:     "desktop",
			browser: "Safari",
			os:      "MacOS",
		},
		{
			name:    "firefox on linux",
			ua:      "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
			typ:     "desktop",
			browser: "Firefox",
			os:      "Linux",
		},
		{
			name:    "chrome on android",
			ua:      "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
			typ:     "mobile",
			browser: "Chrome",
			os:      "Android",
		},
		{
			name:    "safari on iphone",
			ua:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
			typ:     "mobile",
			browser: "Safari",
			os:      "iOS",
		},
		{
			name:    "ipad",
			ua:      "Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
			typ:     "tablet",
			browser: "Safari",
			os:      "iOS",
		},
		{
			name:    "empty",
			ua:      "",
			typ:     "desktop",
			browser: "unknown",
			os:      "unknown",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := ParseUserAgent(tt.ua)
			assert.Equal(t, tt.typ, d.Type)
			assert.Equal(t, tt.browser, d.Browser)
			assert.Equal(t, tt.os, d.OS)
			assert.Equal(t, tt.ua, d.UserAgent)
		})
	}
}
