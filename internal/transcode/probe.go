// Package transcode builds the adaptive rendition ladder for a completed
// upload: probing the source file, planning which rungs of the configured
// ladder apply, encoding each rendition with ffmpeg, stitching an adaptive
// manifest, and pulling thumbnail frames.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nmxmxh/uploadcore/internal/errcode"
)

// VideoInfo is the technical metadata extracted from the source file by
// ffprobe, enough to plan a rendition ladder and reject unsupported codecs.
type VideoInfo struct {
	Width         int
	Height        int
	DurationSecs  float64
	VideoCodec    string
	AudioCodec    string
	BitRate       int64
}

// ProbeError wraps a probing failure with the non-retryable taxonomy code
// recorded on the session (spec §4.D.1 step 1, §7 "Pipeline terminal").
type ProbeError struct {
	Code string
	Err  error
}

func (e *ProbeError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *ProbeError) Unwrap() error { return e.Err }

var supportedVideoCodecs = map[string]bool{
	"h264": true,
	"hevc": true,
	"vp9":  true,
	"av1":  true,
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe runs ffprobe against sourcePath and classifies the result. An
// unrecognized video codec is reported as errcode.UnsupportedCodec rather
// than errcode.ProbeFailed, since ffprobe itself succeeded.
func Probe(ctx context.Context, ffprobePath, sourcePath string) (VideoInfo, error) {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, ffprobePath, "-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", sourcePath)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return VideoInfo{}, &ProbeError{Code: errcode.ProbeFailed, Err: fmt.Errorf("ffprobe failed: %w", err)}
	}

	var probe probeOutput
	if err := json.Unmarshal(out.Bytes(), &probe); err != nil {
		return VideoInfo{}, &ProbeError{Code: errcode.ProbeFailed, Err: fmt.Errorf("parsing ffprobe output: %w", err)}
	}

	info := VideoInfo{}
	sawVideoStream := false
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			sawVideoStream = true
			info.Width = stream.Width
			info.Height = stream.Height
			info.VideoCodec = stream.CodecName
			if stream.BitRate != "" {
				info.BitRate, _ = strconv.ParseInt(stream.BitRate, 10, 64)
			}
		case "audio":
			info.AudioCodec = stream.CodecName
		}
	}
	if !sawVideoStream {
		return VideoInfo{}, &ProbeError{Code: errcode.ProbeFailed, Err: fmt.Errorf("no video stream found")}
	}
	if !supportedVideoCodecs[strings.ToLower(info.VideoCodec)] {
		return VideoInfo{}, &ProbeError{Code: errcode.UnsupportedCodec, Err: fmt.Errorf("unsupported video codec %q", info.VideoCodec)}
	}

	duration := probe.Format.Duration
	if duration == "" && len(probe.Streams) > 0 {
		for _, stream := range probe.Streams {
			if stream.CodecType == "video" {
				duration = stream.Duration
			}
		}
	}
	if duration != "" {
		if d, err := strconv.ParseFloat(duration, 64); err == nil {
			info.DurationSecs = d
		}
	}
	if info.BitRate == 0 && probe.Format.BitRate != "" {
		info.BitRate, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)
	}
	return info, nil
}
