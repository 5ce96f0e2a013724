package session

import "strings"

// Device describes the client a session was opened from.
type Device struct {
	Type      string `json:"deviceType"`
	Browser   string `json:"browser"`
	OS        string `json:"os"`
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

const unknown = "unknown"

// ParseUserAgent derives the device type, browser and OS from a raw
// User-Agent header. IPAddress is left for the caller.
func ParseUserAgent(ua string) Device {
	l := strings.ToLower(ua)
	d := Device{Type: "desktop", Browser: unknown, OS: unknown, UserAgent: ua}

	switch {
	case strings.Contains(l, "ipad") || strings.Contains(l, "tablet"):
		d.Type = "tablet"
	case strings.Contains(l, "mobile"):
		d.Type = "mobile"
	}

	// Edge and Chrome user agents both name Chrome and Safari; Chrome names Safari.
	switch {
	case strings.Contains(l, "edg/") || strings.Contains(l, "edge/") || strings.Contains(l, "edga/") || strings.Contains(l, "edgios/"):
		d.Browser = "Edge"
	case strings.Contains(l, "chrome/") || strings.Contains(l, "crios/"):
		d.Browser = "Chrome"
	case strings.Contains(l, "firefox/") || strings.Contains(l, "fxios/"):
		d.Browser = "Firefox"
	case strings.Contains(l, "safari/"):
		d.Browser = "Safari"
	}

	// Android names Linux and iOS names Mac OS X, so mobile systems go first.
	switch {
	case strings.Contains(l, "android"):
		d.OS = "Android"
	case strings.Contains(l, "iphone") || strings.Contains(l, "ipad") || strings.Contains(l, "ipod"):
		d.OS = "iOS"
	case strings.Contains(l, "windows"):
		d.OS = "Windows"
	case strings.Contains(l, "mac os") || strings.Contains(l, "macintosh"):
		d.OS = "MacOS"
	case strings.Contains(l, "linux"):
		d.OS = "Linux"
	}
	return d
}
