package transcode

import "github.com/nmxmxh/uploadcore/internal/config"

// PlanLadder selects the rungs of the configured rendition ladder that do
// not upscale the source (spec §4.D.1 step 2). If the source falls below
// every configured rung, the narrowest rung is kept with its width and
// height set to the source's, so a source-resolution rendition still exists
// (spec §8 "boundary behaviors": low-resolution sources).
func PlanLadder(source VideoInfo, ladder []config.RenditionProfile) []config.RenditionProfile {
	var planned []config.RenditionProfile
	for _, profile := range ladder {
		if profile.Width <= source.Width && profile.Height <= source.Height {
			planned = append(planned, profile)
		}
	}
	if len(planned) > 0 {
		return planned
	}
	if len(ladder) == 0 {
		return nil
	}
	lowest := ladder[0]
	for _, profile := range ladder[1:] {
		if profile.Width < lowest.Width {
			lowest = profile
		}
	}
	lowest.Width = source.Width
	lowest.Height = source.Height
	return []config.RenditionProfile{lowest}
}
