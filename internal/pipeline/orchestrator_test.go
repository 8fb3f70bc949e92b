package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/config"
	"github.com/nmxmxh/uploadcore/internal/pinner"
	"github.com/nmxmxh/uploadcore/internal/session"
	"github.com/nmxmxh/uploadcore/internal/transcode"
)

// fakeTranscoder drives Process's promotion logic without ffmpeg/ffprobe.
// failRenditions names rungs whose TranscodeRendition call returns an error;
// every other rung "succeeds" by producing an empty output file.
type fakeTranscoder struct {
	info           transcode.VideoInfo
	failRenditions map[string]bool
}

func (f *fakeTranscoder) Probe(context.Context, string, string) (transcode.VideoInfo, error) {
	return f.info, nil
}

func (f *fakeTranscoder) PlanLadder(_ transcode.VideoInfo, ladder []config.RenditionProfile) []config.RenditionProfile {
	return ladder
}

func (f *fakeTranscoder) TranscodeRendition(_ context.Context, _, _, outDir string, profile config.RenditionProfile, _ int) (transcode.RenditionOutput, error) {
	if f.failRenditions[profile.Name] {
		return transcode.RenditionOutput{}, fmt.Errorf("simulated failure for %s", profile.Name)
	}
	manifestName := profile.Name + ".m3u8"
	if err := writeTestFile(outDir, manifestName, "#EXTM3U\n"); err != nil {
		return transcode.RenditionOutput{}, err
	}
	return transcode.RenditionOutput{Profile: profile, ManifestName: manifestName}, nil
}

func (f *fakeTranscoder) GenerateAdaptiveManifest(renditions []transcode.RenditionOutput) string {
	return transcode.GenerateAdaptiveManifest(renditions)
}

func (f *fakeTranscoder) ExtractThumbnails(context.Context, string, string, string, int, float64) ([]string, error) {
	return nil, nil
}

func newTestSession(uploadID string, state session.State, size int64) *session.Session {
	now := time.Now()
	return &session.Session{
		UploadID:          uploadID,
		OwnerID:           "owner-1",
		Filename:          "movie.mp4",
		DeclaredMime:      "video/mp4",
		DeclaredSizeBytes: size,
		ChunkSizeBytes:    size,
		ReceivedBytes:     size,
		IdempotencyKey:    "idem-1",
		State:             state,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestProcessDropsJobForMissingSession(t *testing.T) {
	repo := session.NewMemoryRepository()
	p := &Processor{Sessions: repo, Log: zap.NewNop(), Cfg: config.Default()}

	err := p.Process(context.Background(), Job{UploadID: "missing"})
	assert.NoError(t, err)
}

func TestProcessIsNoOpForTerminalSession(t *testing.T) {
	repo := session.NewMemoryRepository()
	s := newTestSession("up_1", session.StateAborted, 10)
	_, err := repo.Create(context.Background(), s)
	require.NoError(t, err)

	p := &Processor{Sessions: repo, Log: zap.NewNop(), Cfg: config.Default()}
	err = p.Process(context.Background(), Job{UploadID: "up_1"})
	assert.NoError(t, err)

	got, err := repo.Get(context.Background(), "up_1")
	require.NoError(t, err)
	assert.Equal(t, session.StateAborted, got.State)
}

func TestProcessFailsSessionWhenProbeCannotRun(t *testing.T) {
	repo := session.NewMemoryRepository()
	s := newTestSession("up_2", session.StateUploaded, 4)
	_, err := repo.Create(context.Background(), s)
	require.NoError(t, err)

	blobs := blobstore.NewMemoryStore()
	_, err = blobs.Append(context.Background(), "up_2", 0, strings.NewReader("abcd"), 4)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.FFprobePath = "/nonexistent/ffprobe"
	p := &Processor{Sessions: repo, Blobs: blobs, Log: zap.NewNop(), Cfg: cfg}

	err = p.Process(context.Background(), Job{UploadID: "up_2"})
	// An unrunnable ffprobe binary is a non-retryable probe failure: the
	// session is marked failed rather than the job being redelivered.
	require.NoError(t, err)

	got, getErr := repo.Get(context.Background(), "up_2")
	require.NoError(t, getErr)
	assert.Equal(t, session.StateFailed, got.State)
}

func writeTestFile(dir, name, contents string) error {
	return os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644)
}

func newProcessingTestProcessor(t *testing.T, uploadID string, tc Transcoder) (*Processor, session.Repository) {
	t.Helper()
	repo := session.NewMemoryRepository()
	s := newTestSession(uploadID, session.StateProcessing, 4)
	_, err := repo.Create(context.Background(), s)
	require.NoError(t, err)

	blobs := blobstore.NewMemoryStore()
	_, err = blobs.Append(context.Background(), uploadID, 0, strings.NewReader("abcd"), 4)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.TranscodeWorkDir = t.TempDir()
	cfg.RenditionLadder = []config.RenditionProfile{
		{Name: "240p", Width: 426, Height: 240, Bitrate: 400_000, FPS: 30},
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800_000, FPS: 30},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2_000_000, FPS: 30},
	}

	p := &Processor{
		Sessions: repo,
		Blobs:    blobs,
		Pinner: &pinner.Pinner{
			Store:  pinner.NewMemoryStore(),
			Verify: true,
			Log:    zap.NewNop(),
		},
		Cfg:        cfg,
		Log:        zap.NewNop(),
		Transcoder: tc,
	}
	return p, repo
}

func TestProcessPromotesPlayableThenHDReadyWhenAllRenditionsSucceed(t *testing.T) {
	tc := &fakeTranscoder{info: transcode.VideoInfo{Width: 1280, Height: 720, DurationSecs: 30}}
	p, repo := newProcessingTestProcessor(t, "up_3", tc)

	err := p.Process(context.Background(), Job{UploadID: "up_3"})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), "up_3")
	require.NoError(t, err)
	assert.Equal(t, session.StateHDReady, got.State)
	assert.Empty(t, got.ErrorCode)
	assert.Empty(t, got.Warnings)
	require.NotNil(t, got.Pin)
}

func TestProcessReachesHDReadyAfterHigherRenditionPermanentlyFails(t *testing.T) {
	// spec §8 scenario 6: a 720p source whose top rung (720p) fails
	// permanently still reaches playable (after 240p) and then hd_ready
	// (after 360p and the pin succeed), with a warning attached and no
	// error_code.
	tc := &fakeTranscoder{
		info:           transcode.VideoInfo{Width: 1280, Height: 720, DurationSecs: 30},
		failRenditions: map[string]bool{"720p": true},
	}
	p, repo := newProcessingTestProcessor(t, "up_4", tc)

	err := p.Process(context.Background(), Job{UploadID: "up_4"})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), "up_4")
	require.NoError(t, err)
	assert.Equal(t, session.StateHDReady, got.State)
	assert.Empty(t, got.ErrorCode)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0].Code, "720p")
	require.NotNil(t, got.Pin)
}
