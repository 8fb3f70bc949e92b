package transcode

import (
	"fmt"
	"sort"
	"strings"
)

// GenerateAdaptiveManifest builds the top-level HLS master playlist
// referencing each rendition's sub-manifest by bandwidth and resolution
// (spec §4.E "adaptive manifest"). Renditions are ordered ascending by
// bitrate, the conventional HLS master-playlist order.
func GenerateAdaptiveManifest(renditions []RenditionOutput) string {
	sorted := make([]RenditionOutput, len(renditions))
	copy(sorted, renditions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Profile.Bitrate < sorted[j].Profile.Bitrate })

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, r := range sorted {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", r.Profile.Bitrate, r.Profile.Width, r.Profile.Height)
		b.WriteString(r.ManifestName)
		b.WriteString("\n")
	}
	return b.String()
}
