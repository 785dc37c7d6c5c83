package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrImageTooLarge   = errors.New("image too large")
	ErrUnsupportedType = errors.New("unsupported image type")
)

var allowedImageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// ReadImage reads at most maxBytes from r and checks the sniffed MIME type.
func ReadImage(r io.Reader, maxBytes int64) ([]byte, string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading image: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, "", ErrImageTooLarge
	}

	mime := http.DetectContentType(b[:min(len(b), 512)])
	if _, ok := allowedImageTypes[mime]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}
	return b, mime, nil
}
