package repository

import (
	"context"
	"testing"
	"time"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
)

func TestMachineLifecycle(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	machine := &models.Machine{
		ProviderName: "fake",
		ProviderID:   "vm-123",
		IPv4:         "10.0.0.5",
		Secret:       "master-secret",
	}
	if err := repo.CreateMachine(ctx, machine); err != nil {
		t.Fatalf("CreateMachine failed: %v", err)
	}
	if machine.Status != models.MachineStatusReserved {
		t.Errorf("expected reserved default, got %s", machine.Status)
	}

	got, err := repo.GetMachine(ctx, machine.ID)
	if err != nil {
		t.Fatalf("GetMachine failed: %v", err)
	}
	if got.Secret != "master-secret" || got.IPv4 != "10.0.0.5" {
		t.Errorf("machine fields not persisted: %+v", got)
	}
	if got.OwnerAgentID != nil {
		t.Error("expected no owner on fresh machine")
	}

	if err := repo.AssignMachine(ctx, machine.ID, "agent-1"); err != nil {
		t.Fatalf("AssignMachine failed: %v", err)
	}
	got, _ = repo.GetMachine(ctx, machine.ID)
	if got.OwnerAgentID == nil || *got.OwnerAgentID != "agent-1" {
		t.Errorf("owner not set: %v", got.OwnerAgentID)
	}
	if got.Status != models.MachineStatusActive {
		t.Errorf("expected active after assign, got %s", got.Status)
	}

	// An owned machine cannot be assigned again.
	if err := repo.AssignMachine(ctx, machine.ID, "agent-2"); err == nil {
		t.Error("expected second assign to fail")
	}

	if err := repo.UpdateMachineStatus(ctx, machine.ID, models.MachineStatusReleasing); err != nil {
		t.Fatalf("UpdateMachineStatus failed: %v", err)
	}
	got, _ = repo.GetMachine(ctx, machine.ID)
	if got.Status != models.MachineStatusReleasing {
		t.Errorf("expected releasing, got %s", got.Status)
	}
}

func TestCountActiveMachines(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	statuses := []models.MachineStatus{
		models.MachineStatusReserved,
		models.MachineStatusActive,
		models.MachineStatusReleasing,
		models.MachineStatusReleased,
	}
	for _, status := range statuses {
		machine := &models.Machine{ProviderName: "fake", Status: status}
		if err := repo.CreateMachine(ctx, machine); err != nil {
			t.Fatalf("CreateMachine failed: %v", err)
		}
	}

	count, err := repo.CountActiveMachines(ctx)
	if err != nil {
		t.Fatalf("CountActiveMachines failed: %v", err)
	}
	// Released machines no longer hold provider capacity.
	if count != 3 {
		t.Errorf("expected 3 active machines, got %d", count)
	}

	reserved, err := repo.ListMachines(ctx, models.MachineStatusReserved)
	if err != nil {
		t.Fatalf("ListMachines failed: %v", err)
	}
	if len(reserved) != 1 {
		t.Errorf("expected 1 reserved machine, got %d", len(reserved))
	}

	all, err := repo.ListMachines(ctx)
	if err != nil {
		t.Fatalf("ListMachines failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 machines, got %d", len(all))
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	old := &models.MachineSnapshot{
		MachineID: "machine-1",
		R2Key:     "snapshots/machine-1/old.img",
		SizeBytes: 100,
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	latest := &models.MachineSnapshot{
		MachineID: "machine-1",
		R2Key:     "snapshots/machine-1/latest/",
		SizeBytes: 200,
		ExpiresAt: time.Now().UTC().Add(14 * 24 * time.Hour),
	}
	for _, snapshot := range []*models.MachineSnapshot{old, latest} {
		if err := repo.CreateSnapshot(ctx, snapshot); err != nil {
			t.Fatalf("CreateSnapshot failed: %v", err)
		}
	}

	got, err := repo.LatestSnapshotForMachine(ctx, "machine-1")
	if err != nil {
		t.Fatalf("LatestSnapshotForMachine failed: %v", err)
	}
	if got == nil || got.ID != latest.ID {
		t.Fatalf("expected latest snapshot, got %+v", got)
	}
	if !got.Chunked() {
		t.Error("trailing-slash key should report chunked")
	}
	if got.Source != models.SnapshotSourceCaptured {
		t.Errorf("expected captured default, got %s", got.Source)
	}

	none, err := repo.LatestSnapshotForMachine(ctx, "machine-none")
	if err != nil {
		t.Fatalf("LatestSnapshotForMachine failed: %v", err)
	}
	if none != nil {
		t.Errorf("expected nil for machine without snapshots, got %+v", none)
	}

	expired, err := repo.ListExpiredSnapshots(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ListExpiredSnapshots failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Errorf("expected only the old snapshot expired, got %d", len(expired))
	}
}

func TestSnapshotRefcount(t *testing.T) {
	repo, cleanup := createTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	captured := &models.MachineSnapshot{
		MachineID: "machine-1",
		R2Key:     "snapshots/machine-1/base.img",
		ExpiresAt: time.Now().UTC().Add(24 * time.Hour),
	}
	if err := repo.CreateSnapshot(ctx, captured); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}
	// A fork carries the blob over to the new machine under the same key.
	carryover := &models.MachineSnapshot{
		MachineID: "machine-2",
		R2Key:     captured.R2Key,
		Source:    models.SnapshotSourceCarriedOver,
		ExpiresAt: time.Now().UTC().Add(14 * 24 * time.Hour),
	}
	if err := repo.CreateSnapshot(ctx, carryover); err != nil {
		t.Fatalf("CreateSnapshot failed: %v", err)
	}

	count, err := repo.CountSnapshotsByR2Key(ctx, captured.R2Key)
	if err != nil {
		t.Fatalf("CountSnapshotsByR2Key failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected refcount 2, got %d", count)
	}

	if err := repo.DeleteSnapshot(ctx, captured.ID); err != nil {
		t.Fatalf("DeleteSnapshot failed: %v", err)
	}
	count, _ = repo.CountSnapshotsByR2Key(ctx, captured.R2Key)
	if count != 1 {
		t.Errorf("expected refcount 1 after delete, got %d", count)
	}
}
