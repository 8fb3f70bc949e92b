package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nmxmxh/uploadcore/internal/config"
)

func TestGenerateAdaptiveManifestOrdersByBitrateAscending(t *testing.T) {
	renditions := []RenditionOutput{
		{Profile: config.RenditionProfile{Name: "720p", Width: 1280, Height: 720, Bitrate: 2_000_000}, ManifestName: "720p.m3u8"},
		{Profile: config.RenditionProfile{Name: "240p", Width: 426, Height: 240, Bitrate: 400_000}, ManifestName: "240p.m3u8"},
	}
	manifest := GenerateAdaptiveManifest(renditions)

	assert.Contains(t, manifest, "#EXTM3U")
	idx240 := indexOf(manifest, "240p.m3u8")
	idx720 := indexOf(manifest, "720p.m3u8")
	assert.Less(t, idx240, idx720)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
