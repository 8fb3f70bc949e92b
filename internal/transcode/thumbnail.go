package transcode

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nmxmxh/uploadcore/internal/errcode"
)

// ThumbnailError marks a failure as errcode.ThumbnailFailed.
type ThumbnailError struct{ Err error }

func (e *ThumbnailError) Error() string { return fmt.Sprintf("%s: %v", errcode.ThumbnailFailed, e.Err) }
func (e *ThumbnailError) Unwrap() error { return e.Err }

// ExtractThumbnails pulls count equally spaced JPEG frames, each scaled to
// fit within 320x240 with its aspect ratio kept, from sourcePath using
// durationSecs to compute offsets, one ffmpeg invocation
// per frame (spec §4.E "thumbnails").
func ExtractThumbnails(ctx context.Context, ffmpegPath, sourcePath, outDir string, count int, durationSecs float64) ([]string, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if count <= 0 {
		return nil, nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &ThumbnailError{Err: fmt.Errorf("creating work dir: %w", err)}
	}
	if durationSecs <= 0 {
		durationSecs = 1
	}

	paths := make([]string, 0, count)
	step := durationSecs / float64(count+1)
	for i := 1; i <= count; i++ {
		offset := step * float64(i)
		outPath := filepath.Join(outDir, fmt.Sprintf("thumb_%03d.jpg", i))
		cmd := exec.CommandContext(ctx, ffmpegPath,
			"-ss", fmt.Sprintf("%.3f", offset),
			"-i", sourcePath,
			"-vframes", "1",
			"-vf", "scale=320:240:force_original_aspect_ratio=decrease",
			outPath,
			"-y",
		)
		if err := cmd.Run(); err != nil {
			return nil, &ThumbnailError{Err: fmt.Errorf("extracting frame %d: %w", i, err)}
		}
		paths = append(paths, outPath)
	}
	return paths, nil
}
