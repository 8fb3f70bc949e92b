package transcode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nmxmxh/uploadcore/internal/config"
	"github.com/nmxmxh/uploadcore/internal/errcode"
)

// RenditionOutput names the files TranscodeRendition produced for one rung
// of the ladder, relative to the work directory handed to it.
type RenditionOutput struct {
	Profile      config.RenditionProfile
	ManifestPath string
	ManifestName string
}

// TranscodeError carries the rendition name so a single failing rung can be
// recorded as a session warning without regressing the whole stage (spec
// §4.D.1 step 4, §8 scenario 6).
type TranscodeError struct {
	Rendition string
	Err       error
}

func (e *TranscodeError) Error() string { return fmt.Sprintf("%s: %v", errcode.TranscodeFailed(e.Rendition), e.Err) }
func (e *TranscodeError) Unwrap() error { return e.Err }

// TranscodeRendition encodes sourcePath into one H.264/AAC HLS rendition
// under outDir, segmented at segmentDurSeconds. ffmpeg invocation mirrors
// the project's existing subprocess pattern of exec.CommandContext with an
// explicit output flag list terminated by "-y" (overwrite).
func TranscodeRendition(ctx context.Context, ffmpegPath, sourcePath, outDir string, profile config.RenditionProfile, segmentDurSeconds int) (RenditionOutput, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return RenditionOutput{}, &TranscodeError{Rendition: profile.Name, Err: fmt.Errorf("creating work dir: %w", err)}
	}

	manifestName := profile.Name + ".m3u8"
	manifestPath := filepath.Join(outDir, manifestName)
	segmentPattern := filepath.Join(outDir, profile.Name+"_%03d.ts")

	args := []string{
		"-i", sourcePath,
		"-vf", fmt.Sprintf("scale=w=%d:h=%d:force_original_aspect_ratio=decrease", profile.Width, profile.Height),
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%d", profile.Bitrate),
		"-r", fmt.Sprintf("%d", profile.FPS),
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentDurSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
		manifestPath,
		"-y",
	}
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	if err := cmd.Run(); err != nil {
		return RenditionOutput{}, &TranscodeError{Rendition: profile.Name, Err: fmt.Errorf("ffmpeg failed: %w", err)}
	}

	return RenditionOutput{Profile: profile, ManifestPath: manifestPath, ManifestName: manifestName}, nil
}
