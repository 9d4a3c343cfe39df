package utils

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

var (
	ErrEmptyFrame    = errors.New("frame is empty")
	ErrFrameEncoding = errors.New("frame is not valid base64")
	ErrFrameImage    = errors.New("frame does not decode to an image")
)

type DecodedFrame struct {
	Data   []byte
	Format string
	Width  int
	Height int
}

// StripDataURL removes a "data:image/...;base64," prefix if present.
func StripDataURL(frame string) string {
	frame = strings.TrimSpace(frame)
	if strings.HasPrefix(frame, "data:") {
		if i := strings.Index(frame, ","); i >= 0 {
			return frame[i+1:]
		}
	}
	return frame
}

// DecodeFrame decodes a base64 or data-URL encoded image and checks that the
// bytes carry a known image header.
func DecodeFrame(frame string) (*DecodedFrame, error) {
	payload := StripDataURL(frame)
	if payload == "" {
		return nil, ErrEmptyFrame
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFrameEncoding, err)
		}
	}
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameImage, err)
	}

	return &DecodedFrame{
		Data:   data,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}
