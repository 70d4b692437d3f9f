package snapshot

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
)

// gcInterval is how often the retention sweep runs.
const gcInterval = 24 * time.Hour

// GC deletes snapshot rows past their retention window. Blobs are shared
// between rows by carryover, so an expired row's objects are only removed
// when it is the last row referencing its key. Returns the number of rows
// deleted.
func (s *Service) GC(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredSnapshots(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, row := range expired {
		if err := s.gcOne(ctx, row); err != nil {
			s.log.Warn("failed to gc snapshot",
				zap.String("snapshot_id", row.ID), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info("snapshot gc completed", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

func (s *Service) gcOne(ctx context.Context, row *models.MachineSnapshot) error {
	refs, err := s.store.CountSnapshotsByR2Key(ctx, row.R2Key)
	if err != nil {
		return err
	}
	if refs <= 1 {
		if err := s.deleteImage(ctx, row); err != nil {
			return err
		}
	}
	if err := s.store.DeleteSnapshot(ctx, row.ID); err != nil {
		return err
	}

	s.log.Info("snapshot deleted",
		zap.String("snapshot_id", row.ID),
		zap.String("machine_id", row.MachineID),
		zap.Bool("blobs_removed", refs <= 1))
	s.publish(ctx, row.MachineID, events.SnapshotDeleted, row)
	return nil
}

// deleteImage removes a snapshot's objects. Missing objects are fine; a
// previous partial sweep may already have removed some chunks.
func (s *Service) deleteImage(ctx context.Context, row *models.MachineSnapshot) error {
	if !row.Chunked() {
		return s.blobs.Delete(ctx, row.R2Key)
	}
	keys, err := s.blobs.List(ctx, row.R2Key)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// RunGC sweeps expired snapshots on a daily ticker until ctx is done.
// Only one controller instance should run it.
func (s *Service) RunGC(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	s.log.Info("snapshot gc started", zap.Duration("interval", gcInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("snapshot gc stopped")
			return
		case <-ticker.C:
			if _, err := s.GC(ctx); err != nil {
				s.log.Error("snapshot gc sweep failed", zap.Error(err))
			}
		}
	}
}
