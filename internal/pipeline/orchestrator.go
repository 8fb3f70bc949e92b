package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/config"
	"github.com/nmxmxh/uploadcore/internal/errcode"
	"github.com/nmxmxh/uploadcore/internal/pinner"
	"github.com/nmxmxh/uploadcore/internal/session"
	"github.com/nmxmxh/uploadcore/internal/transcode"
	"github.com/nmxmxh/uploadcore/pkg/events"
)

// Transcoder is the probe/transcode/manifest/thumbnail seam Process drives.
// *ffmpegTranscoder implements it over the real transcode package; tests
// substitute a fake so the promotion logic below is exercisable without
// ffmpeg/ffprobe installed.
type Transcoder interface {
	Probe(ctx context.Context, ffprobePath, sourcePath string) (transcode.VideoInfo, error)
	PlanLadder(source transcode.VideoInfo, ladder []config.RenditionProfile) []config.RenditionProfile
	TranscodeRendition(ctx context.Context, ffmpegPath, sourcePath, outDir string, profile config.RenditionProfile, segmentDurSeconds int) (transcode.RenditionOutput, error)
	GenerateAdaptiveManifest(renditions []transcode.RenditionOutput) string
	ExtractThumbnails(ctx context.Context, ffmpegPath, sourcePath, outDir string, count int, durationSecs float64) ([]string, error)
}

// ffmpegTranscoder is the default Transcoder, delegating to the package-level
// functions that shell out to ffmpeg/ffprobe.
type ffmpegTranscoder struct{}

func (ffmpegTranscoder) Probe(ctx context.Context, ffprobePath, sourcePath string) (transcode.VideoInfo, error) {
	return transcode.Probe(ctx, ffprobePath, sourcePath)
}

func (ffmpegTranscoder) PlanLadder(source transcode.VideoInfo, ladder []config.RenditionProfile) []config.RenditionProfile {
	return transcode.PlanLadder(source, ladder)
}

func (ffmpegTranscoder) TranscodeRendition(ctx context.Context, ffmpegPath, sourcePath, outDir string, profile config.RenditionProfile, segmentDurSeconds int) (transcode.RenditionOutput, error) {
	return transcode.TranscodeRendition(ctx, ffmpegPath, sourcePath, outDir, profile, segmentDurSeconds)
}

func (ffmpegTranscoder) GenerateAdaptiveManifest(renditions []transcode.RenditionOutput) string {
	return transcode.GenerateAdaptiveManifest(renditions)
}

func (ffmpegTranscoder) ExtractThumbnails(ctx context.Context, ffmpegPath, sourcePath, outDir string, count int, durationSecs float64) ([]string, error) {
	return transcode.ExtractThumbnails(ctx, ffmpegPath, sourcePath, outDir, count, durationSecs)
}

// Processor advances one leased job's session through probe, transcode,
// manifest, thumbnail, and pin, promoting session state as each milestone
// is reached (spec §4.D.1). A job that fails with a retryable error is
// nacked for redelivery with backoff; a non-retryable failure marks the
// session failed and the job is acked so it is not retried.
type Processor struct {
	Sessions session.Repository
	Blobs    blobstore.Store
	Pinner   *pinner.Pinner
	Cfg      *config.Config
	Log      *zap.Logger
	Events   events.EventEmitter

	// Transcoder defaults to ffmpegTranscoder{} when nil.
	Transcoder Transcoder
}

func (p *Processor) transcoder() Transcoder {
	if p.Transcoder != nil {
		return p.Transcoder
	}
	return ffmpegTranscoder{}
}

// retryableError marks a failure as transient: the job should be nacked
// and redelivered rather than failing the session outright.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

func isRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// Process runs one attempt of the pipeline for job.UploadID.
func (p *Processor) Process(ctx context.Context, job Job) error {
	s, err := p.Sessions.Get(ctx, job.UploadID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil // session was deleted (e.g. aborted then swept); drop the job
		}
		return retryable(fmt.Errorf("loading session: %w", err))
	}
	if s.State.IsTerminal() {
		return nil // already resolved; a redundant delivery
	}
	if s.State == session.StateUploaded {
		ok, err := p.Sessions.CompareAndSetState(ctx, job.UploadID, session.StateUploaded, session.StateProcessing, time.Now())
		if err != nil {
			return retryable(fmt.Errorf("promoting to processing: %w", err))
		}
		if ok {
			s.State = session.StateProcessing
			p.emit(ctx, "session.processing", job.UploadID, nil)
		} else {
			s, err = p.Sessions.Get(ctx, job.UploadID)
			if err != nil {
				return retryable(fmt.Errorf("reloading session: %w", err))
			}
		}
	}
	if s.State != session.StateProcessing && s.State != session.StatePlayable {
		return nil
	}

	workDir := filepath.Join(p.Cfg.TranscodeWorkDir, job.UploadID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return retryable(fmt.Errorf("creating work dir: %w", err))
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	sourcePath, err := p.materializeSource(ctx, job.UploadID, workDir, s.DeclaredSizeBytes)
	if err != nil {
		return retryable(fmt.Errorf("materializing source: %w", err))
	}

	tc := p.transcoder()
	info, err := tc.Probe(ctx, p.Cfg.FFprobePath, sourcePath)
	if err != nil {
		var probeErr *transcode.ProbeError
		if errors.As(err, &probeErr) {
			p.fail(ctx, job.UploadID, probeErr.Code)
			return nil
		}
		return retryable(err)
	}

	ladder := tc.PlanLadder(info, p.Cfg.RenditionLadder)
	if len(ladder) == 0 {
		p.fail(ctx, job.UploadID, errcode.ProbeFailed)
		return nil
	}

	var renditions []transcode.RenditionOutput
	var playableAchieved bool
	for i, profile := range ladder {
		out, err := tc.TranscodeRendition(ctx, p.Cfg.FFmpegPath, sourcePath, workDir, profile, p.Cfg.SegmentDurSeconds)
		if err != nil {
			if i == 0 {
				// the lowest rung failing means nothing is playable at all.
				p.fail(ctx, job.UploadID, errcode.TranscodeFailed(profile.Name))
				return nil
			}
			p.warn(ctx, job.UploadID, errcode.TranscodeFailed(profile.Name), err.Error())
			continue
		}
		renditions = append(renditions, out)

		if !playableAchieved {
			if ok, err := p.Sessions.CompareAndSetState(ctx, job.UploadID, session.StateProcessing, session.StatePlayable, time.Now()); err != nil {
				return retryable(fmt.Errorf("promoting to playable: %w", err))
			} else if ok {
				playableAchieved = true
				p.emit(ctx, "session.playable", job.UploadID, map[string]interface{}{"rendition": profile.Name})
			}
		}
	}
	if len(renditions) == 0 {
		p.fail(ctx, job.UploadID, errcode.ProbeFailed)
		return nil
	}

	manifest := tc.GenerateAdaptiveManifest(renditions)
	manifestPath := filepath.Join(workDir, "manifest.m3u8")
	if err := os.WriteFile(manifestPath, []byte(manifest), 0o644); err != nil {
		return retryable(fmt.Errorf("writing adaptive manifest: %w", err))
	}

	if _, err := tc.ExtractThumbnails(ctx, p.Cfg.FFmpegPath, sourcePath, workDir, p.Cfg.ThumbnailCount, info.DurationSecs); err != nil {
		p.warn(ctx, job.UploadID, errcode.ThumbnailFailed, err.Error())
	}

	if p.Pinner != nil {
		pin, err := p.Pinner.PinTree(ctx, workDir)
		if err != nil {
			var pinErr *pinner.PinError
			if errors.As(err, &pinErr) {
				p.fail(ctx, job.UploadID, errcode.PinFailed)
				return nil
			}
			return retryable(err)
		}
		if err := p.Sessions.AttachPin(ctx, job.UploadID, session.PinRecord{
			ContentAddress: pin.ContentAddress,
			Size:           pin.Size,
			VerifiedAt:     time.Now(),
		}); err != nil {
			return retryable(fmt.Errorf("attaching pin record: %w", err))
		}
	}

	// The pipeline's lowest rung (playable) succeeded, and the pin covering
	// whatever renditions did succeed just landed: that is hd_ready, even
	// if one or more higher rungs failed along the way (spec §4.D.1 steps
	// 4/8 — a higher rendition's failure is recorded as a Warning and does
	// not regress or block promotion past playable).
	if ok, err := p.Sessions.CompareAndSetState(ctx, job.UploadID, session.StatePlayable, session.StateHDReady, time.Now()); err != nil {
		return retryable(fmt.Errorf("promoting to hd_ready: %w", err))
	} else if ok {
		p.emit(ctx, "session.hd_ready", job.UploadID, nil)
	}
	return nil
}

// materializeSource copies the blob store's object for uploadID into a
// local file ffprobe/ffmpeg can operate on, since neither tool reads from
// an io.Reader directly.
func (p *Processor) materializeSource(ctx context.Context, uploadID, workDir string, size int64) (string, error) {
	rc, err := p.Blobs.ReadRange(ctx, uploadID, 0, size-1)
	if err != nil {
		return "", fmt.Errorf("reading source object: %w", err)
	}
	defer func() { _ = rc.Close() }()

	path := filepath.Join(workDir, "source")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating local source file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, rc); err != nil {
		return "", fmt.Errorf("copying source bytes: %w", err)
	}
	return path, nil
}

func (p *Processor) fail(ctx context.Context, uploadID, code string) {
	if err := p.Sessions.Fail(ctx, uploadID, code, time.Now()); err != nil {
		p.Log.Error("failed to mark session failed", zap.String("upload_id", uploadID), zap.Error(err))
	}
	p.emit(ctx, "session.failed", uploadID, map[string]interface{}{"error_code": code})
}

func (p *Processor) warn(ctx context.Context, uploadID, code, message string) {
	if err := p.Sessions.AppendWarning(ctx, uploadID, session.Warning{Code: code, Message: message, At: time.Now()}); err != nil {
		p.Log.Warn("failed to append session warning", zap.String("upload_id", uploadID), zap.Error(err))
	}
}

func (p *Processor) emit(ctx context.Context, eventType, uploadID string, meta map[string]interface{}) {
	if p.Events == nil {
		return
	}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["upload_id"] = uploadID
	p.Events.EmitEventWithLogging(ctx, p, p.Log, eventType, uploadID, meta)
}
