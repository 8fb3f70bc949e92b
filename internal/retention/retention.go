// Package retention periodically purges terminal sessions past their
// retention window and cleans up temporary work directories orphaned by a
// worker crash mid-transcode (spec §3.2, §9 "file-scoped temporary
// directories ... startup-time orphan sweep").
package retention

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/uploadcore/internal/blobstore"
	"github.com/nmxmxh/uploadcore/internal/session"
)

const sweepBatchSize = 100

// Sweeper deletes terminal sessions (hd_ready, failed, aborted) whose
// updated_at predates the retention window, removing their blob-store
// artifacts before the database row.
type Sweeper struct {
	Sessions      session.Repository
	Blobs         blobstore.Store
	Log           *zap.Logger
	RetentionDays int
	WorkDir       string
}

// Run sweeps one batch of expired terminal sessions.
func (s *Sweeper) Run(ctx context.Context) {
	if s.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)
	expired, err := s.Sessions.ListExpiredTerminal(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.Log.Error("retention sweep: failed to list expired sessions", zap.Error(err))
		return
	}
	for _, sess := range expired {
		if err := s.Blobs.Delete(ctx, sess.UploadID); err != nil {
			s.Log.Warn("retention sweep: failed to delete blob artifacts", zap.String("upload_id", sess.UploadID), zap.Error(err))
			continue
		}
		if err := s.Sessions.Delete(ctx, sess.UploadID); err != nil {
			s.Log.Warn("retention sweep: failed to delete session row", zap.String("upload_id", sess.UploadID), zap.Error(err))
			continue
		}
	}
	if len(expired) > 0 {
		s.Log.Info("retention sweep: purged expired sessions", zap.Int("count", len(expired)))
	}
}

// SweepOrphanedWorkDirs removes per-upload transcode work directories left
// behind by a worker that crashed mid-job; a restarted worker re-leases
// the job and starts over from a fresh work directory, so anything
// present at startup is stale.
func (s *Sweeper) SweepOrphanedWorkDirs(log *zap.Logger) {
	if s.WorkDir == "" {
		return
	}
	entries, err := os.ReadDir(s.WorkDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read transcode work dir for orphan sweep", zap.Error(err))
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.WorkDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn("failed to remove orphaned work dir", zap.String("path", path), zap.Error(err))
			continue
		}
		log.Info("removed orphaned transcode work dir", zap.String("path", path))
	}
}
