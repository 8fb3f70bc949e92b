package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/session"
)

func TestRunPurgesExpiredTerminalSessions(t *testing.T) {
	repo := session.NewMemoryRepository()
	blobs := blobstore.NewMemoryStore()

	old := time.Now().AddDate(0, 0, -40)
	s := &session.Session{
		UploadID: "up_old", OwnerID: "o", IdempotencyKey: "k1",
		State: session.StateHDReady, CreatedAt: old, UpdatedAt: old,
	}
	_, err := repo.Create(context.Background(), s)
	require.NoError(t, err)

	sweeper := &Sweeper{Sessions: repo, Blobs: blobs, Log: zap.NewNop(), RetentionDays: 30}
	sweeper.Run(context.Background())

	_, err = repo.Get(context.Background(), "up_old")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRunKeepsRecentTerminalSessions(t *testing.T) {
	repo := session.NewMemoryRepository()
	blobs := blobstore.NewMemoryStore()

	now := time.Now()
	s := &session.Session{
		UploadID: "up_recent", OwnerID: "o", IdempotencyKey: "k2",
		State: session.StateHDReady, CreatedAt: now, UpdatedAt: now,
	}
	_, err := repo.Create(context.Background(), s)
	require.NoError(t, err)

	sweeper := &Sweeper{Sessions: repo, Blobs: blobs, Log: zap.NewNop(), RetentionDays: 30}
	sweeper.Run(context.Background())

	_, err = repo.Get(context.Background(), "up_recent")
	assert.NoError(t, err)
}

func TestSweepOrphanedWorkDirsRemovesStaleDirs(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "up_stale"), 0o755))

	sweeper := &Sweeper{WorkDir: workDir}
	sweeper.SweepOrphanedWorkDirs(zap.NewNop())

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
