// Package export writes drained PerformanceSnapshots to CSV, the one
// persistence surface spec.md §6 allows. When the configured path ends
// in ".zst" the CSV stream is wrapped in a zstd writer.
//
// Grounded on the teacher's cmd/praktor backup.go: open destination
// file, wrap in github.com/klauspost/compress/zstd, write through,
// close writers innermost-out to surface write errors — here the tar
// archive of a docker volume becomes a CSV row stream instead.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hailstorm-sh/hailstorm/internal/config"
	"github.com/hailstorm-sh/hailstorm/internal/herrors"
	"github.com/hailstorm-sh/hailstorm/internal/wire"
)

var csvHeader = []string{
	"timestamp", "agent_id", "model", "action", "status", "bucket_index", "bucket_count", "sum_ns",
}

// Writer appends drained performance snapshots to a CSV destination,
// optionally zstd-compressed.
type Writer struct {
	f   *os.File
	zw  *zstd.Encoder
	csv *csv.Writer
}

// Open creates (or truncates) the export file named by cfg.Path and
// writes the CSV header. Returns nil, nil if cfg.Enabled is false.
func Open(cfg config.ExportConfig) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	f, err := os.Create(cfg.Path)
	if err != nil {
		return nil, herrors.New(herrors.Config, "export.Open: create", err)
	}

	var dest io.Writer = f
	w := &Writer{f: f}

	if cfg.Compress || strings.HasSuffix(cfg.Path, ".zst") {
		zw, err := zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return nil, herrors.New(herrors.Config, "export.Open: zstd writer", err)
		}
		w.zw = zw
		dest = zw
	}

	w.csv = csv.NewWriter(dest)
	if err := w.csv.Write(csvHeader); err != nil {
		w.Close()
		return nil, herrors.New(herrors.Config, "export.Open: write header", err)
	}
	w.csv.Flush()

	return w, nil
}

// WriteModel appends every row of one model's drained performance
// snapshots, tagged with agentID and model for multi-model/multi-agent
// exports sharing one file.
func (w *Writer) WriteModel(agentID uint32, model string, snapshots []wire.PerformanceSnapshot) error {
	if w == nil {
		return nil
	}

	agentIDStr := strconv.FormatUint(uint64(agentID), 10)
	ts := ""
	for _, snap := range snapshots {
		ts = snap.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")
		for _, h := range snap.Histograms {
			for i, count := range h.Buckets {
				if count == 0 {
					continue
				}
				row := []string{
					ts,
					agentIDStr,
					model,
					snap.Action,
					strconv.FormatInt(h.Status, 10),
					strconv.Itoa(i),
					strconv.FormatUint(count, 10),
					strconv.FormatUint(h.Sum, 10),
				}
				if err := w.csv.Write(row); err != nil {
					return herrors.New(herrors.Config, "export.WriteModel", err)
				}
			}
		}
	}
	w.csv.Flush()
	return w.csv.Error()
}

// Close flushes and closes every layer, innermost first, so write
// errors from a lagging zstd encoder surface instead of being
// swallowed by a later os.File.Close.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return fmt.Errorf("close zstd: %w", err)
		}
	}
	return w.f.Close()
}
