package analysis

import (
	"fmt"
	"path"
	"strings"
)

var mimeTypes = map[string]string{
	".pdf":  "application/pdf",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".gif":  "image/gif",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// mimeTypeFor infers the MIME type of an object from its key and checks it
// against the types the backend accepts.
func mimeTypeFor(key string, allowed ...string) (string, error) {
	ext := strings.ToLower(path.Ext(key))
	mime, ok := mimeTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: %w: extension %q", ErrPermanent, ErrUnsupportedFormat, ext)
	}
	if len(allowed) == 0 {
		return mime, nil
	}
	for _, a := range allowed {
		if a == mime {
			return mime, nil
		}
	}
	return "", fmt.Errorf("%w: %w: %s", ErrPermanent, ErrUnsupportedFormat, mime)
}
