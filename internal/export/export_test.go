package export

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hailstorm-sh/hailstorm/internal/config"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

func sampleSnapshots() []wire.PerformanceSnapshot {
	return []wire.PerformanceSnapshot{
		{
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Action:    "browse",
			Histograms: []wire.PerformanceHistogram{
				{Status: 200, Buckets: []uint64{0, 3, 1}, Sum: 4200},
				{Status: 500, Buckets: []uint64{1}, Sum: 10},
			},
		},
	}
}

func TestOpenDisabledReturnsNilWriter(t *testing.T) {
	w, err := Open(config.ExportConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatal("expected nil writer when export disabled")
	}
	if err := w.WriteModel(1, "browsers", sampleSnapshots()); err != nil {
		t.Fatalf("WriteModel on nil writer should no-op, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close on nil writer should no-op, got %v", err)
	}
}

func TestWritePlainCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance.csv")
	w, err := Open(config.ExportConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := w.WriteModel(7, "browsers", sampleSnapshots()); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open written file: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}

	if len(rows) != 1+3 {
		t.Fatalf("expected header + 3 bucket rows, got %d rows: %+v", len(rows), rows)
	}
	if rows[0][0] != "timestamp" {
		t.Errorf("expected header row, got %+v", rows[0])
	}
	if rows[1][2] != "browsers" || rows[1][3] != "browse" {
		t.Errorf("expected model/action columns, got %+v", rows[1])
	}
}

func TestWriteCompressedCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance.csv.zst")
	w, err := Open(config.ExportConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.WriteModel(1, "browsers", sampleSnapshots()); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}

	zr, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("new zstd reader: %v", err)
	}
	defer zr.Close()
	decoded, err := zr.DecodeAll(raw, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(string(decoded), "browse") {
		t.Errorf("expected decoded csv to contain action name, got %s", decoded)
	}
}

func TestWriteModelSkipsEmptyBuckets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "performance.csv")
	w, err := Open(config.ExportConfig{Enabled: true, Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	snaps := []wire.PerformanceSnapshot{{
		Action:     "idle",
		Histograms: []wire.PerformanceHistogram{{Status: 0, Buckets: []uint64{0, 0, 0}}},
	}}
	if err := w.WriteModel(1, "idlers", snaps); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, _ := os.Open(path)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected only the header row for all-zero buckets, got %d rows", len(rows))
	}
}
