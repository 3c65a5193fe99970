package delivery

import (
	"fmt"

	"github.com/clawdis/clawdis/internal/bus"
)

// Per-kind outbound size caps in bytes. Images over the model input limit
// are clamped earlier, at the agent adapter.
const (
	ImageCapBytes    = 6 * 1024 * 1024
	AudioCapBytes    = 16 * 1024 * 1024
	VideoCapBytes    = 16 * 1024 * 1024
	DocumentCapBytes = 100 * 1024 * 1024
)

// MediaCap returns the outbound byte cap for a media kind.
func MediaCap(kind bus.MediaKind) int64 {
	switch kind {
	case bus.MediaImage:
		return ImageCapBytes
	case bus.MediaAudio:
		return AudioCapBytes
	case bus.MediaVideo:
		return VideoCapBytes
	default:
		return DocumentCapBytes
	}
}

// CheckMedia validates an outbound attachment against its kind cap.
func CheckMedia(m bus.Media) error {
	size := m.SizeBytes
	if size == 0 {
		size = int64(len(m.Bytes))
	}
	if cap := MediaCap(m.Kind); size > cap {
		return fmt.Errorf("%s payload %d bytes exceeds cap %d", m.Kind, size, cap)
	}
	return nil
}

// DegradeCaption builds the caption-only fallback used when a media send
// fails: the original caption plus a trailing warning line.
func DegradeCaption(m bus.Media) string {
	warning := fmt.Sprintf("⚠️ could not deliver %s attachment", m.Kind)
	if m.Caption == "" {
		return warning
	}
	return m.Caption + "\n" + warning
}
