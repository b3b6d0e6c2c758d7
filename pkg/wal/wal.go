package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type RecordType uint64

const (
	RecordEntry RecordType = iota + 1
	RecordHardState
)

// Record is one persisted item of a raft log: an entry or a hard state.
type Record struct {
	Index uint64
	Type  RecordType
	Data  []byte
}

// WAL is the write-ahead log of one data group's raft node. Save is
// synchronous: raft messages may only leave once their entries are durable.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	filePath string
}

// New creates a new WAL instance
func New(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := filepath.Join(dir, "raft.wal")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		file:     file,
		writer:   bufio.NewWriter(file),
		filePath: filePath,
	}, nil
}

// Save appends entries and, when set, the hard state, then syncs the file.
func (w *WAL) Save(hs raftpb.HardState, entries []raftpb.Entry) error {
	if raft.IsEmptyHardState(hs) && len(entries) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", entries[i].Index, err)
		}
		if err := w.writeRecord(Record{Index: entries[i].Index, Type: RecordEntry, Data: data}); err != nil {
			return fmt.Errorf("failed to write WAL entry: %w", err)
		}
	}

	if !raft.IsEmptyHardState(hs) {
		data, err := hs.Marshal()
		if err != nil {
			return fmt.Errorf("marshal hard state: %w", err)
		}
		if err := w.writeRecord(Record{Index: hs.Commit, Type: RecordHardState, Data: data}); err != nil {
			return fmt.Errorf("failed to write WAL hard state: %w", err)
		}
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Replay calls fn for every record in write order. A torn record at the tail,
// left by a crash in the middle of Save, ends the replay and is cut off the
// file so later appends follow the last complete record.
func (w *WAL) Replay(fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL before replay: %w", err)
		}
	}

	file, err := os.Open(w.filePath)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	var (
		reader = bufio.NewReader(file)
		offset int64
	)
	for {
		rec, err := readRecord(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return w.truncate(offset)
			}
			return fmt.Errorf("failed to read WAL record: %w", err)
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
		offset += recordSize(rec)
	}
	return nil
}

// truncate drops everything after offset. Must hold w.mu.
func (w *WAL) truncate(offset int64) error {
	slog.Warn("truncating torn WAL tail", "path", w.filePath, "offset", offset)
	if w.file == nil {
		return fmt.Errorf("WAL is closed")
	}
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Restore loads the persisted log into storage. It reports false when the WAL
// is empty and the node has to bootstrap.
func (w *WAL) Restore(storage *raft.MemoryStorage) (bool, error) {
	var (
		hs       raftpb.HardState
		restored bool
	)
	err := w.Replay(func(rec Record) error {
		restored = true
		switch rec.Type {
		case RecordEntry:
			var e raftpb.Entry
			if err := e.Unmarshal(rec.Data); err != nil {
				return fmt.Errorf("unmarshal entry %d: %w", rec.Index, err)
			}
			return storage.Append([]raftpb.Entry{e})
		case RecordHardState:
			return hs.Unmarshal(rec.Data)
		default:
			return fmt.Errorf("unknown record type %d", rec.Type)
		}
	})
	if err != nil {
		return false, err
	}
	if !raft.IsEmptyHardState(hs) {
		if err := storage.SetHardState(hs); err != nil {
			return false, fmt.Errorf("set hard state: %w", err)
		}
	}
	return restored, nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

const headerSize = 8 + 8 + 4 // index, type, data length

func recordSize(rec Record) int64 {
	return headerSize + int64(len(rec.Data))
}

// writeRecord writes a single record to the WAL
func (w *WAL) writeRecord(rec Record) error {
	if w.writer == nil {
		return fmt.Errorf("WAL writer is nil")
	}

	// Write index (8 bytes)
	if err := binary.Write(w.writer, binary.LittleEndian, rec.Index); err != nil {
		return err
	}

	// Write type (8 bytes)
	if err := binary.Write(w.writer, binary.LittleEndian, uint64(rec.Type)); err != nil {
		return err
	}

	// Write data length (4 bytes) - ensure it fits into uint32
	if len(rec.Data) > math.MaxUint32 {
		return fmt.Errorf("record too large: %d", len(rec.Data))
	}
	if err := binary.Write(w.writer, binary.LittleEndian, uint32(len(rec.Data))); err != nil {
		return err
	}

	_, err := w.writer.Write(rec.Data)
	return err
}

// readRecord reads a single record from the WAL
func readRecord(reader *bufio.Reader) (Record, error) {
	var rec Record

	if err := binary.Read(reader, binary.LittleEndian, &rec.Index); err != nil {
		return rec, err
	}

	var typ uint64
	if err := binary.Read(reader, binary.LittleEndian, &typ); err != nil {
		return rec, unexpected(err)
	}
	rec.Type = RecordType(typ)

	var dataLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &dataLen); err != nil {
		return rec, unexpected(err)
	}

	rec.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(reader, rec.Data); err != nil {
		return rec, unexpected(err)
	}
	return rec, nil
}

// a record cut after its first field is torn, not a clean end
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
