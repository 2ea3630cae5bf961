package store

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/kimhsiao/fieldsync/internal/models"
)

// getMemoryStats returns current memory statistics
func getMemoryStats() runtime.MemStats {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats
}

// formatBytes formats bytes to human-readable string
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func seedMutations(t testing.TB, s *Store, n int) {
	t.Helper()
	ctx := context.Background()
	err := s.Update(ctx, func(tx *Tx) error {
		for i := 0; i < n; i++ {
			status := models.MutationPending
			if i%3 == 0 {
				status = models.MutationFailed
			}
			if err := tx.Put(ctx, Mutations, fmt.Sprintf("m-%05d", i), mutation(fmt.Sprintf("m-%05d", i), status)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed error = %v", err)
	}
}

// TestStore_noLeakUnderQueueChurn runs the read and write mix of many sync
// passes and checks that neither connections nor heap grow.
func TestStore_noLeakUnderQueueChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("memory profiling skipped in short mode")
	}
	ctx := context.Background()
	s := openTestStore(t)
	seedMutations(t, s, 500)

	runtime.GC()
	initial := getMemoryStats()

	const iterations = 500
	for i := 0; i < iterations; i++ {
		pending, err := AllByIndex[models.QueuedMutation](ctx, s, Mutations, IndexStatus, string(models.MutationPending))
		if err != nil {
			t.Fatalf("AllByIndex() error = %v", err)
		}
		if len(pending) == 0 {
			t.Fatal("no pending mutations")
		}

		m := pending[i%len(pending)]
		m.RetryCount++
		if err := s.Put(ctx, Mutations, m.ID, &m); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if _, err := s.CountByIndex(ctx, Mutations, IndexStatus, string(models.MutationFailed)); err != nil {
			t.Fatalf("CountByIndex() error = %v", err)
		}

		if (i+1)%100 == 0 {
			stats := s.db.Stats()
			t.Logf("Iteration %d: OpenConnections=%d, InUse=%d, Idle=%d",
				i+1, stats.OpenConnections, stats.InUse, stats.Idle)
			if stats.InUse > 0 {
				t.Fatalf("Connection leak: %d connections still in use", stats.InUse)
			}
		}
	}

	runtime.GC()
	final := getMemoryStats()

	var allocDiff uint64
	if final.Alloc > initial.Alloc {
		allocDiff = final.Alloc - initial.Alloc
	}
	t.Logf("TotalAlloc: +%s, Alloc: +%s", formatBytes(final.TotalAlloc-initial.TotalAlloc), formatBytes(allocDiff))

	if allocDiff > 5*1024*1024 {
		t.Errorf("Potential memory leak: allocated memory grew by %s", formatBytes(allocDiff))
	}
}

// BenchmarkStore_pendingScan measures the per-pass read of pending
// mutations.
func BenchmarkStore_pendingScan(b *testing.B) {
	s, err := Open(b.TempDir())
	if err != nil {
		b.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	seedMutations(b, s, 1000)
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := AllByIndex[models.QueuedMutation](ctx, s, Mutations, IndexStatus, string(models.MutationPending)); err != nil {
			b.Fatal(err)
		}
	}
}
