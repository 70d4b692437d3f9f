// Package snapshot captures, restores and garbage-collects machine
// filesystem images. Small images live at
// snapshots/<machineID>/<snapshotID>.img; large ones are split under
// snapshots/<machineID>/<snapshotID>/ into fixed-size .part objects whose
// zero-padded names make lexicographic listing the restore order.
// Snapshot rows are immutable; carryover shares a blob between rows and
// the GC only deletes a blob with its last row.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/blobstore"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events"
	"github.com/ariana-dot-dev/ariana-sub004/internal/events/bus"
	"github.com/ariana-dot-dev/ariana-sub004/internal/machine/provider"
)

// uploadConcurrency bounds parallel chunk PUTs. Each in-flight chunk holds
// a full chunk buffer in memory.
const uploadConcurrency = 2

// Store is the slice of the repository the service needs.
type Store interface {
	CreateSnapshot(ctx context.Context, s *models.MachineSnapshot) error
	GetSnapshot(ctx context.Context, id string) (*models.MachineSnapshot, error)
	LatestSnapshotForMachine(ctx context.Context, machineID string) (*models.MachineSnapshot, error)
	ListExpiredSnapshots(ctx context.Context, now time.Time) ([]*models.MachineSnapshot, error)
	CountSnapshotsByR2Key(ctx context.Context, r2Key string) (int, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// Service owns the snapshot lifecycle.
type Service struct {
	store    Store
	blobs    blobstore.Store
	provider provider.Provider
	bus      bus.EventBus
	log      *logger.Logger

	chunkSize     int64
	retention     time.Duration
	presignExpiry time.Duration
}

// NewService creates the service with chunking and retention from config.
func NewService(store Store, blobs blobstore.Store, prov provider.Provider, eventBus bus.EventBus, cfg config.SnapshotConfig, log *logger.Logger) *Service {
	return &Service{
		store:         store,
		blobs:         blobs,
		provider:      prov,
		bus:           eventBus,
		log:           log.WithFields(zap.String("component", "snapshot-service")),
		chunkSize:     cfg.ChunkSizeBytes(),
		retention:     cfg.Retention(),
		presignExpiry: cfg.PresignExpiryDuration(),
	}
}

// Capture exports the machine's filesystem and writes it to the blob store,
// chunking when the image exceeds one chunk. Returns the recorded row.
func (s *Service) Capture(ctx context.Context, machineID, providerID string) (*models.MachineSnapshot, error) {
	image, err := s.provider.ExportImage(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to export machine image: %w", err)
	}
	defer func() { _ = image.Close() }()

	snapshotID := uuid.New().String()
	base := fmt.Sprintf("snapshots/%s/%s", machineID, snapshotID)

	key, size, err := s.upload(ctx, base, image)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	row := &models.MachineSnapshot{
		ID:        snapshotID,
		MachineID: machineID,
		R2Key:     key,
		SizeBytes: size,
		Source:    models.SnapshotSourceCaptured,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}
	if err := s.store.CreateSnapshot(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record snapshot: %w", err)
	}

	s.log.Info("snapshot captured",
		zap.String("machine_id", machineID),
		zap.String("snapshot_id", row.ID),
		zap.Int64("size_bytes", size),
		zap.Bool("chunked", row.Chunked()))
	s.publish(ctx, machineID, events.SnapshotCompleted, row)
	return row, nil
}

// upload streams the image into the store. The first chunk decides the
// layout: images of at most one chunk become a single object at
// base + ".img"; larger ones become base/000000.part, base/000001.part, ...
// and the returned key carries the trailing slash.
func (s *Service) upload(ctx context.Context, base string, image io.Reader) (string, int64, error) {
	first := make([]byte, s.chunkSize)
	n, err := io.ReadFull(image, first)
	switch err {
	case nil:
		// A full first chunk: assume more follows, go chunked. A second
		// empty chunk still produces a valid chunked layout.
	case io.EOF, io.ErrUnexpectedEOF:
		key := base + ".img"
		if putErr := s.blobs.Put(ctx, key, bytes.NewReader(first[:n]), int64(n)); putErr != nil {
			return "", 0, fmt.Errorf("failed to upload snapshot: %w", putErr)
		}
		return key, int64(n), nil
	default:
		return "", 0, fmt.Errorf("failed to read machine image: %w", err)
	}

	prefix := base + "/"
	total := int64(0)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(uploadConcurrency)

	putChunk := func(index int, data []byte) {
		group.Go(func() error {
			key := fmt.Sprintf("%s%06d.part", prefix, index)
			if err := s.blobs.Put(groupCtx, key, bytes.NewReader(data), int64(len(data))); err != nil {
				return fmt.Errorf("failed to upload chunk %d: %w", index, err)
			}
			return nil
		})
	}

	putChunk(0, first[:n])
	total += int64(n)

	for index := 1; ; index++ {
		buf := make([]byte, s.chunkSize)
		n, err := io.ReadFull(image, buf)
		if n > 0 {
			putChunk(index, buf[:n])
			total += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			_ = group.Wait()
			return "", 0, fmt.Errorf("failed to read machine image: %w", err)
		}
	}

	if err := group.Wait(); err != nil {
		return "", 0, err
	}
	return prefix, total, nil
}

// Restore streams a snapshot's image onto the given machine. Chunked
// snapshots are concatenated in key order.
func (s *Service) Restore(ctx context.Context, snap *models.MachineSnapshot, providerID string) error {
	keys, err := s.imageKeys(ctx, snap)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		for _, key := range keys {
			chunk, err := s.blobs.Get(ctx, key)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("failed to fetch chunk %s: %w", key, err))
				return
			}
			_, err = io.Copy(pw, chunk)
			_ = chunk.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		_ = pw.Close()
	}()

	if err := s.provider.ImportImage(ctx, providerID, pr); err != nil {
		_ = pr.CloseWithError(err)
		return apperrors.Wrap(err, apperrors.KindSnapshotRestoreFailed, "failed to restore snapshot")
	}
	return nil
}

// RestoreManifest returns one presigned download URL per image object, in
// restore order, so a machine can pull its own image instead of having the
// controller push it through the provider.
func (s *Service) RestoreManifest(ctx context.Context, snap *models.MachineSnapshot) ([]string, error) {
	keys, err := s.imageKeys(ctx, snap)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		url, err := s.blobs.PresignGet(ctx, key, s.presignExpiry)
		if err != nil {
			return nil, fmt.Errorf("failed to presign chunk %s: %w", key, err)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// Carryover records a new row pointing at an existing snapshot's blob with
// a fresh retention window. Fork and resume use it so the source image
// stays restorable from the new machine's history.
func (s *Service) Carryover(ctx context.Context, source *models.MachineSnapshot, newMachineID string) (*models.MachineSnapshot, error) {
	now := time.Now().UTC()
	row := &models.MachineSnapshot{
		MachineID: newMachineID,
		R2Key:     source.R2Key,
		SizeBytes: source.SizeBytes,
		Source:    models.SnapshotSourceCarriedOver,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}
	if err := s.store.CreateSnapshot(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record carryover: %w", err)
	}

	s.log.Info("snapshot carried over",
		zap.String("snapshot_id", row.ID),
		zap.String("from_machine", source.MachineID),
		zap.String("to_machine", newMachineID))
	s.publish(ctx, newMachineID, events.SnapshotCompleted, row)
	return row, nil
}

// Latest returns the newest snapshot for a machine, or nil.
func (s *Service) Latest(ctx context.Context, machineID string) (*models.MachineSnapshot, error) {
	return s.store.LatestSnapshotForMachine(ctx, machineID)
}

// LatestFor resolves the snapshot fork/resume restores from: the agent's
// current machine first, then the machine it held before archiving.
func (s *Service) LatestFor(ctx context.Context, agent *models.Agent) (*models.MachineSnapshot, error) {
	if agent.MachineID != nil {
		snap, err := s.store.LatestSnapshotForMachine(ctx, *agent.MachineID)
		if err != nil || snap != nil {
			return snap, err
		}
	}
	if agent.LastMachineID != nil {
		return s.store.LatestSnapshotForMachine(ctx, *agent.LastMachineID)
	}
	return nil, nil
}

// imageKeys resolves the ordered object keys making up a snapshot image.
func (s *Service) imageKeys(ctx context.Context, snap *models.MachineSnapshot) ([]string, error) {
	if !snap.Chunked() {
		return []string{snap.R2Key}, nil
	}
	keys, err := s.blobs.List(ctx, snap.R2Key)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot chunks: %w", err)
	}
	if len(keys) == 0 {
		return nil, apperrors.New(apperrors.KindSnapshotMissing, "snapshot has no chunks in the object store")
	}
	return keys, nil
}

func (s *Service) publish(ctx context.Context, machineID, eventType string, row *models.MachineSnapshot) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "snapshot-service", map[string]any{
		"snapshotId": row.ID,
		"machineId":  machineID,
		"r2Key":      row.R2Key,
		"sizeBytes":  row.SizeBytes,
	})
	if err := s.bus.Publish(ctx, events.BuildSnapshotSubject(machineID), event); err != nil {
		s.log.Warn("failed to publish snapshot event",
			zap.String("snapshot_id", row.ID), zap.Error(err))
	}
}
