package analyzer

import "strings"

// ParseImage strips a data URL prefix from payload and returns the declared
// MIME type together with the base64 data. Undeclared or unsupported
// subtypes are reported as image/jpeg.
func ParseImage(payload string) (mimeType, data string) {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "data:") {
		return "image/jpeg", payload
	}

	header, data, ok := strings.Cut(payload, ",")
	if !ok {
		return "image/jpeg", ""
	}
	mediaType, _, _ := strings.Cut(strings.TrimPrefix(header, "data:"), ";")

	switch strings.ToLower(mediaType) {
	case "image/png":
		return "image/png", data
	case "image/webp":
		return "image/webp", data
	default:
		return "image/jpeg", data
	}
}
