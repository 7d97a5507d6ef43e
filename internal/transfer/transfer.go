package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/sleepysoft/intelhub/internal/model"
)

// Formats understood by export and import.
const (
	FormatNDJSON = "ndjson"
	FormatJSON   = "json"
)

// ItemSource streams one partition's items, the shape ListPartition exposes.
type ItemSource interface {
	ListPartition(ctx context.Context, partition string, fn func(model.Item) error) error
}

// ItemSink writes imported items, the shape ImportItem exposes.
type ItemSink interface {
	ImportItem(ctx context.Context, partition string, it model.Item) (bool, error)
}

// Export writes every item of a partition to w. NDJSON emits one object per
// line; JSON emits a single array.
func Export(ctx context.Context, src ItemSource, partition, format string, w io.Writer) (int, error) {
	n := 0
	switch format {
	case FormatNDJSON:
		enc := json.NewEncoder(w)
		err := src.ListPartition(ctx, partition, func(it model.Item) error {
			n++
			return enc.Encode(it)
		})
		return n, err
	case FormatJSON:
		var items []model.Item
		if err := src.ListPartition(ctx, partition, func(it model.Item) error {
			items = append(items, it)
			return nil
		}); err != nil {
			return 0, err
		}
		n = len(items)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return n, enc.Encode(items)
	default:
		return 0, fmt.Errorf("unknown export format %q", format)
	}
}

// ImportStats reports the outcome of one import run.
type ImportStats struct {
	Imported int
	Skipped  int
}

// Import reads items from r and writes them into the partition. Rows whose
// UUID already exists are skipped, so re-running an import is harmless. The
// format is sniffed: a leading '[' means a JSON array, anything else NDJSON.
func Import(ctx context.Context, sink ItemSink, partition string, r io.Reader) (ImportStats, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return ImportStats{}, nil
		}
		return ImportStats{}, err
	}

	var stats ImportStats
	write := func(it model.Item) error {
		if strings.TrimSpace(it.UUID) == "" {
			return fmt.Errorf("item without UUID")
		}
		created, err := sink.ImportItem(ctx, partition, it)
		if err != nil {
			return err
		}
		if created {
			stats.Imported++
		} else {
			stats.Skipped++
		}
		return nil
	}

	if first == '[' {
		var items []model.Item
		if err := json.NewDecoder(br).Decode(&items); err != nil {
			return stats, fmt.Errorf("decode JSON array: %w", err)
		}
		for _, it := range items {
			if err := write(it); err != nil {
				return stats, err
			}
		}
		return stats, nil
	}

	dec := json.NewDecoder(br)
	line := 0
	for {
		var it model.Item
		line++
		if err := dec.Decode(&it); err != nil {
			if err == io.EOF {
				return stats, nil
			}
			return stats, fmt.Errorf("decode record %d: %w", line, err)
		}
		if err := write(it); err != nil {
			return stats, err
		}
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}
