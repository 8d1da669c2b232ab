// Package journal is an append-only write-ahead log of JSON lines. Every
// append is fsynced before it returns, so a record that was acknowledged
// survives a crash and can be replayed on start.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

// fileMode is rw-r--r--.
const fileMode fs.FileMode = 0o644

// Record is one journal line.
type Record struct {
	Seq  uint64          `json:"seq"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Journal appends records to a single file.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	seq  uint64
}

// Open opens or creates the journal at path and positions the sequence
// after the last complete record.
func Open(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	j := &Journal{file: file}

	j.mu.Lock()
	good, err := j.replay(func(r Record) error {
		j.seq = r.Seq
		return nil
	})
	j.mu.Unlock()
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	// Drop a torn tail so new records do not follow garbage.
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	if info.Size() > good {
		if err := file.Truncate(good); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate torn journal tail: %w", err)
		}
	}
	return j, nil
}

// Append encodes v as the data of a new record of type typ.
func (j *Journal) Append(typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	rec := Record{Seq: j.seq + 1, Type: typ, At: time.Now().UTC(), Data: data}
	if err := json.NewEncoder(j.file).Encode(rec); err != nil {
		return fmt.Errorf("append %s: %w", typ, err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.seq = rec.Seq
	return nil
}

// Replay calls fn for every complete record in order. A torn final line,
// left by a crash mid-write, ends the replay without error.
func (j *Journal) Replay(fn func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.replay(fn)
	return err
}

// replay returns the offset just past the last complete record.
func (j *Journal) replay(fn func(Record) error) (int64, error) {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek journal: %w", err)
	}

	var good int64
	dec := json.NewDecoder(j.file)
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return good, nil
		}
		if err != nil {
			return good, fmt.Errorf("decode journal record at offset %d: %w", good, err)
		}
		if err := fn(rec); err != nil {
			return good, fmt.Errorf("replay seq %d (%s): %w", rec.Seq, rec.Type, err)
		}
		good = dec.InputOffset()
	}
}

// Seq returns the sequence number of the last appended record.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
