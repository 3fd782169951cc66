package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"keyprint/internal/scorer"
)

// ExportAttempts writes the attempts matching f to w as zstd-compressed
// JSON lines, oldest first, and returns how many were written.
func (s *Store) ExportAttempts(ctx context.Context, w io.Writer, f AttemptFilter) (int, error) {
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd encoder: %w", err)
	}

	enc := json.NewEncoder(encoder)
	count := 0
	err = s.eachAttempt(ctx, f, "ASC", func(a scorer.Attempt) error {
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("encode attempt: %w", err)
		}
		count++
		return nil
	})
	if err != nil {
		encoder.Close()
		return count, err
	}

	if err := encoder.Close(); err != nil {
		return count, fmt.Errorf("finalize compression: %w", err)
	}
	return count, nil
}

// ReadAttemptExport decodes a stream written by ExportAttempts.
func ReadAttemptExport(r io.Reader) ([]scorer.Attempt, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer decoder.Close()

	var out []scorer.Attempt
	sc := bufio.NewScanner(decoder)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var a scorer.Attempt
		if err := json.Unmarshal(sc.Bytes(), &a); err != nil {
			return nil, fmt.Errorf("decode attempt line %d: %w", len(out)+1, err)
		}
		out = append(out, a)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}
