package compression

import (
	"strings"
)

// compressible content types, matched as substrings of the lower case
// Content-Type value
var compressibleTypes = []string{"text/", "javascript", "json", "xml", "svg"}

// ShouldCompressBody decides, from the response headers alone, whether a body
// is worth compressing. contentLength is negative when unknown. Types that
// are not listed are usually already compressed (images, video, archives).
func ShouldCompressBody(contentType string, contentLength int64) bool {
	if contentLength >= 0 && contentLength < MinSizeToCompress {
		return false
	}
	if contentType == "" {
		return false
	}
	contentType = strings.ToLower(contentType)
	for _, t := range compressibleTypes {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}
