package agentrt

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/clawdis/clawdis/internal/bus"
)

// modelImageCap is the largest image payload handed to the worker. Anything
// bigger is clamped here, before the model input boundary.
const modelImageCap = 5 * 1024 * 1024

// prepareMedia converts envelope media into worker inputs, clamping oversized
// images by downscaling and re-encoding as JPEG.
func prepareMedia(media []bus.Media) ([]MediaInput, error) {
	if len(media) == 0 {
		return nil, nil
	}
	out := make([]MediaInput, 0, len(media))
	for _, m := range media {
		in := MediaInput{Kind: string(m.Kind), Mime: m.Mime, URL: m.URL}
		if len(m.Bytes) > 0 {
			data := m.Bytes
			if m.Kind == bus.MediaImage && len(data) > modelImageCap {
				clamped, err := clampImage(data)
				if err != nil {
					return nil, fmt.Errorf("clamp image: %w", err)
				}
				data = clamped
				in.Mime = "image/jpeg"
			}
			in.B64 = base64.StdEncoding.EncodeToString(data)
		}
		out = append(out, in)
	}
	return out, nil
}

// clampImage halves the longest side until the JPEG encoding fits the cap.
func clampImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	quality := 85
	for i := 0; i < 6; i++ {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, err
		}
		if buf.Len() <= modelImageCap {
			return buf.Bytes(), nil
		}
		b := img.Bounds()
		img = imaging.Resize(img, b.Dx()/2, 0, imaging.Lanczos)
	}
	return nil, fmt.Errorf("image does not fit %d bytes after repeated downscaling", modelImageCap)
}
