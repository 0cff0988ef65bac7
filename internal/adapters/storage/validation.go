package storage

import (
	"fmt"
	"mime"
)

// MaxObjectSize bounds a single archived object.
const MaxObjectSize int64 = 1 << 20

// AllowedContentTypes defines the MIME types that may be archived.
var AllowedContentTypes = map[string]bool{
	"application/json": true,
	"text/plain":       true,
}

// ValidateContentType checks if the content type is allowed.
func ValidateContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid content type %q: %w", contentType, err)
	}
	if !AllowedContentTypes[mediaType] {
		return fmt.Errorf("content type %q is not allowed", mediaType)
	}
	return nil
}

// ValidateFileSize checks if the object size is within limits.
func ValidateFileSize(sizeBytes int64) error {
	if sizeBytes <= 0 {
		return fmt.Errorf("object is empty")
	}
	if sizeBytes > MaxObjectSize {
		return fmt.Errorf("object size %d exceeds maximum of %d bytes", sizeBytes, MaxObjectSize)
	}
	return nil
}
