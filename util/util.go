package util

import (
	"regexp"
)

// Clamp limits v to [0, max], for telemetry fields with narrow wire ranges.
func Clamp(v int64, max uint32) uint32 {
	if v < 0 {
		return 0
	}
	if v > int64(max) {
		return max
	}
	return uint32(v)
}

var replaceHTTPSRe = regexp.MustCompile("^(http)(s?)")

// MakeWsURL converts http:// to ws:// and https:// to wss://
func MakeWsURL(url string) string {
	return replaceHTTPSRe.ReplaceAllString(url, "ws$2")
}

// WsScheme returns the websocket scheme matching an http service that is, or
// is not, served over tls.
func WsScheme(secure bool) string {
	if secure {
		return "wss"
	}
	return "ws"
}

// HTTPScheme is WsScheme for plain http.
func HTTPScheme(secure bool) string {
	if secure {
		return "https"
	}
	return "http"
}
