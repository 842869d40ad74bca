package worker

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentstack/pipeline/pkg/columnar"
)

// Spill file layout: a fixed header (magic + version), then length-prefixed
// MessagePack records, one per span row. The file is append-only and removed
// as a whole after a complete successful drain.
var spillMagic = [4]byte{'A', 'G', 'S', 'P'}

const (
	spillVersion uint32 = 1

	// maxSpillRecordBytes rejects record lengths no sane span row can
	// reach; hitting it means the file is corrupt.
	maxSpillRecordBytes = 16 << 20
)

// SpillFile is the writer's on-disk overflow for rows the columnar store
// would not take within the retry budget. It is owned by a single writer
// goroutine; Drain may also run once from startup before the consumer
// starts.
type SpillFile struct {
	path string
	log  *slog.Logger
}

// OpenSpill validates any existing file at path and returns a handle. A
// foreign or future-versioned file is refused at startup rather than
// silently appended to.
func OpenSpill(path string) (*SpillFile, error) {
	s := &SpillFile{path: path, log: slog.With("component", "worker", "spill", path)}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to open spill file %s: %w", path, err)
	}
	defer f.Close()
	if empty, err := isEmpty(f); err != nil {
		return nil, fmt.Errorf("failed to stat spill file %s: %w", path, err)
	} else if empty {
		return s, nil
	}
	if err := readSpillHeader(f); err != nil {
		return nil, fmt.Errorf("spill file %s: %w", path, err)
	}
	return s, nil
}

// Write appends the rows and syncs before returning, so the caller may
// acknowledge their source messages afterwards. Returns the number of rows
// written.
func (s *SpillFile) Write(rows []columnar.SpanRow) (int, error) {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open spill file for append: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat spill file: %w", err)
	}
	w := bufio.NewWriter(f)
	if info.Size() == 0 {
		if err := writeSpillHeader(w); err != nil {
			return 0, err
		}
	}

	written := 0
	for i := range rows {
		b, err := msgpack.Marshal(&rows[i])
		if err != nil {
			return written, fmt.Errorf("failed to encode spill record: %w", err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return written, fmt.Errorf("failed to write spill record: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return written, fmt.Errorf("failed to write spill record: %w", err)
		}
		written++
	}
	if err := w.Flush(); err != nil {
		return written, fmt.Errorf("failed to flush spill file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync spill file: %w", err)
	}
	return written, nil
}

// Drain reads every spilled row, hands them to insert in batches, and
// removes the file only after all batches succeed. A failed batch leaves
// the file intact; the next drain replays from the start, and any resulting
// duplicate rows are absorbed downstream. An incomplete record at the tail
// (a crash mid-append) is discarded: its source messages were never
// acknowledged, so the data returns via redelivery.
func (s *SpillFile) Drain(ctx context.Context, insert func(context.Context, []columnar.SpanRow) error, batchSize int) (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open spill file: %w", err)
	}
	defer f.Close()

	if empty, err := isEmpty(f); err != nil {
		return 0, fmt.Errorf("failed to stat spill file: %w", err)
	} else if empty {
		return 0, nil
	}

	r := bufio.NewReader(f)
	if err := readSpillHeader(r); err != nil {
		return 0, fmt.Errorf("spill file %s: %w", s.path, err)
	}

	drained := 0
	batch := make([]columnar.SpanRow, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := insert(ctx, batch); err != nil {
			return fmt.Errorf("failed to insert %d spilled rows: %w", len(batch), err)
		}
		drained += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("Discarding incomplete spill tail", "error", err)
			}
			break
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > maxSpillRecordBytes {
			s.log.Warn("Discarding spill tail with implausible record length", "length", n)
			break
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			s.log.Warn("Discarding incomplete spill tail", "error", err)
			break
		}
		var row columnar.SpanRow
		if err := msgpack.Unmarshal(buf, &row); err != nil {
			s.log.Warn("Skipping corrupt spill record", "error", err)
			continue
		}
		batch = append(batch, row)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return drained, err
			}
		}
	}
	if err := flush(); err != nil {
		return drained, err
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return drained, fmt.Errorf("failed to remove drained spill file: %w", err)
	}
	return drained, nil
}

func writeSpillHeader(w io.Writer) error {
	if _, err := w.Write(spillMagic[:]); err != nil {
		return fmt.Errorf("failed to write spill header: %w", err)
	}
	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], spillVersion)
	if _, err := w.Write(ver[:]); err != nil {
		return fmt.Errorf("failed to write spill header: %w", err)
	}
	return nil
}

func readSpillHeader(r io.Reader) error {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("failed to read spill header: %w", err)
	}
	if [4]byte(header[:4]) != spillMagic {
		return errors.New("not a spill file: bad magic")
	}
	if v := binary.BigEndian.Uint32(header[4:]); v != spillVersion {
		return fmt.Errorf("unsupported spill version %d", v)
	}
	return nil
}

func isEmpty(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	return info.Size() == 0, nil
}
