package reports

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zerosnacks/fuse-v1/internal/fuse"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "reports.db"), filepath.Join(dir, "reports.lock"))
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleReport(chainID int64, index int, createdAt string) fuse.PauseReport {
	return fuse.PauseReport{
		ChainID:     chainID,
		Network:     "mainnet",
		PoolIndex:   index,
		PoolName:    "Tetranode's Locker",
		Comptroller: common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		Assets: []fuse.Asset{
			{Market: common.HexToAddress("0x00000000000000000000000000000000000000a1"), Name: "Pool 6 Ether"},
		},
		Status:    fuse.PauseStatusReported,
		CreatedAt: createdAt,
	}
}

func TestStoreSaveGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	saved, err := store.Save(ctx, sampleReport(1, 6, "2024-03-01T12:00:00Z"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !strings.HasPrefix(saved.ReportID, "rpt_") {
		t.Fatalf("expected generated report id, got %q", saved.ReportID)
	}

	got, err := store.Get(ctx, saved.ReportID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PoolName != "Tetranode's Locker" || len(got.Assets) != 1 {
		t.Fatalf("unexpected report: %+v", got)
	}
	if got.Assets[0].Market != saved.Assets[0].Market {
		t.Fatalf("market did not round trip: %s", got.Assets[0].Market.Hex())
	}
}

func TestStoreKeepsExplicitID(t *testing.T) {
	store := openTestStore(t)
	report := sampleReport(1, 0, "2024-03-01T12:00:00Z")
	report.ReportID = "rpt_fixed"
	saved, err := store.Save(context.Background(), report)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if saved.ReportID != "rpt_fixed" {
		t.Fatalf("expected explicit id to be kept, got %q", saved.ReportID)
	}
}

func TestStoreListNewestFirstByChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	inputs := []fuse.PauseReport{
		sampleReport(1, 1, "2024-03-01T10:00:00Z"),
		sampleReport(1, 2, "2024-03-01T12:00:00Z"),
		sampleReport(42161, 3, "2024-03-01T11:00:00Z"),
	}
	for _, r := range inputs {
		if _, err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0].PoolIndex != 2 || all[1].PoolIndex != 3 || all[2].PoolIndex != 1 {
		t.Fatalf("unexpected order: %+v", all)
	}

	mainnet, err := store.List(ctx, Filter{ChainID: 1, Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(mainnet) != 1 || mainnet[0].PoolIndex != 2 {
		t.Fatalf("unexpected filtered list: %+v", mainnet)
	}
}

func TestStoreGetMissingReport(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewReportIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewReportID()
		if seen[id] {
			t.Fatalf("duplicate report id %s", id)
		}
		seen[id] = true
	}
}

func TestOpenStoreConcurrentFirstOpen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "reports.db")
	lockPath := filepath.Join(dir, "reports.lock")

	const workers = 12
	start := make(chan struct{})
	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			<-start
			store, err := OpenStore(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()
			if _, err := store.Save(context.Background(), sampleReport(1, workerID, "2026-01-02T03:04:05Z")); err != nil {
				errCh <- fmt.Errorf("worker %d save: %w", workerID, err)
			}
		}(worker)
	}
	close(start)
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
