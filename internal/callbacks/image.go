package callbacks

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // register JPEG for image.Decode
	_ "image/png"  // register PNG for image.Decode
)

// DecodeColorImage decodes {"encoding": ..., "data": <base64 PNG/JPEG>} into
// an *image.RGBA. "bgr8" payloads decode as-is; "rgb8" payloads were encoded
// with swapped channels and get red and blue exchanged.
func DecodeColorImage(raw any) (any, error) {
	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode color image: expected object, got %T", raw)
	}
	encoding, _ := payload["encoding"].(string)
	data, ok := payload["data"].(string)
	if !ok {
		return nil, fmt.Errorf("decode color image: missing data field")
	}

	swap := false
	switch encoding {
	case "bgr8":
	case "rgb8":
		swap = true
	default:
		return nil, fmt.Errorf("decode color image: unsupported encoding %q", encoding)
	}

	compressed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode color image: base64: %w", err)
	}
	decoded, _, err := image.Decode(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("decode color image: %w", err)
	}

	rgba := image.NewRGBA(decoded.Bounds())
	draw.Draw(rgba, rgba.Bounds(), decoded, decoded.Bounds().Min, draw.Src)
	if swap {
		for i := 0; i+2 < len(rgba.Pix); i += 4 {
			rgba.Pix[i], rgba.Pix[i+2] = rgba.Pix[i+2], rgba.Pix[i]
		}
	}
	return rgba, nil
}
