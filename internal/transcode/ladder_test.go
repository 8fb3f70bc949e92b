package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nmxmxh/uploadcore/internal/config"
)

func testLadder() []config.RenditionProfile {
	return []config.RenditionProfile{
		{Name: "240p", Width: 426, Height: 240, Bitrate: 400_000, FPS: 30},
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800_000, FPS: 30},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2_000_000, FPS: 30},
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5_000_000, FPS: 30},
	}
}

func TestPlanLadderExcludesUpscaling(t *testing.T) {
	planned := PlanLadder(VideoInfo{Width: 1280, Height: 720}, testLadder())
	assert.Len(t, planned, 3)
	assert.Equal(t, "720p", planned[len(planned)-1].Name)
}

func TestPlanLadderBelowLowestRungKeepsSourceResolution(t *testing.T) {
	planned := PlanLadder(VideoInfo{Width: 320, Height: 180}, testLadder())
	assert.Len(t, planned, 1)
	assert.Equal(t, 320, planned[0].Width)
	assert.Equal(t, 180, planned[0].Height)
}

func TestPlanLadderKeepsEveryRungForLargeSource(t *testing.T) {
	planned := PlanLadder(VideoInfo{Width: 3840, Height: 2160}, testLadder())
	assert.Len(t, planned, 4)
}
