package persist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"firestige.xyz/usbview/internal/core"
	"firestige.xyz/usbview/internal/log"
)

// Recorder streams packets to a file while a capture runs. It is a store
// sink: every appended packet is recorded, including packets beyond the
// display limit.
type Recorder struct {
	path string

	mu     sync.Mutex
	f      *os.File
	buf    []byte
	closed bool

	written atomic.Uint64
	failed  atomic.Uint64

	logger log.Logger
}

// Create starts a new recording at path, replacing any existing file.
func Create(path string, maxDisplay int) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, &core.PersistenceWriteError{Path: path, Err: err}
	}
	h := Header{Version: Version, MaxDisplay: uint32(max(maxDisplay, 0))}
	if _, err := f.Write(h.marshal()); err != nil {
		f.Close()
		return nil, &core.PersistenceWriteError{Path: path, Err: err}
	}
	return newRecorder(path, f), nil
}

// OpenAppend resumes the recording at path. A torn final record left by an
// interrupted writer is truncated away first.
func OpenAppend(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, &core.PersistenceWriteError{Path: path, Err: err}
	}
	end, torn, err := lastCompleteRecord(f)
	if err != nil {
		f.Close()
		return nil, &core.PersistenceWriteError{Path: path, Err: err}
	}
	if torn {
		if err := f.Truncate(end); err != nil {
			f.Close()
			return nil, &core.PersistenceWriteError{Path: path, Err: err}
		}
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, &core.PersistenceWriteError{Path: path, Err: err}
	}

	r := newRecorder(path, f)
	if torn {
		r.logger.WithField("offset", end).Warn("truncated torn record before appending")
	}
	return r, nil
}

func newRecorder(path string, f *os.File) *Recorder {
	return &Recorder{
		path:   path,
		f:      f,
		logger: log.GetLogger().WithField("recorder", path),
	}
}

// lastCompleteRecord returns the file offset just past the last complete
// record and whether bytes follow it.
func lastCompleteRecord(f *os.File) (int64, bool, error) {
	br := bufio.NewReader(f)
	if _, err := readHeader(br); err != nil {
		return 0, false, err
	}
	sc := &recordScanner{r: br, offset: HeaderLen}
	for {
		_, err := sc.next()
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return sc.offset, false, nil
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, errMalformed):
			return sc.offset, true, nil
		default:
			return 0, false, err
		}
	}
}

// Write appends one record with a single write call. A failure affects only
// this record.
func (r *Recorder) Write(p core.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.failed.Add(1)
		return &core.PersistenceWriteError{Path: r.path, Err: os.ErrClosed}
	}
	r.buf = AppendRecord(r.buf[:0], p)
	if _, err := r.f.Write(r.buf); err != nil {
		r.failed.Add(1)
		return &core.PersistenceWriteError{Path: r.path, Err: err}
	}
	r.written.Add(1)
	return nil
}

// Consume records p and logs a failed write. Capture continues.
func (r *Recorder) Consume(p core.Packet) {
	if err := r.Write(p); err != nil {
		r.logger.WithError(err).WithField("id", p.ID).Error("record write failed")
	}
}

// Written is the number of records written by this recorder.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Failed is the number of records that could not be written.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

func (r *Recorder) Path() string { return r.path }

// Close syncs and closes the file. It is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	syncErr := r.f.Sync()
	if err := r.f.Close(); err != nil {
		return &core.PersistenceWriteError{Path: r.path, Err: err}
	}
	if syncErr != nil {
		return &core.PersistenceWriteError{Path: r.path, Err: syncErr}
	}
	r.logger.WithFields(map[string]interface{}{
		"written": r.written.Load(),
		"failed":  r.failed.Load(),
	}).Info("recording closed")
	return nil
}

// WriteAll saves packets to path through a temporary file that replaces
// path only once everything is written.
func WriteAll(ctx context.Context, path string, h Header, packets iter.Seq[core.Packet]) (n int, err error) {
	if h.Version == 0 {
		h.Version = Version
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".usbview-*.tmp")
	if err != nil {
		return 0, &core.PersistenceWriteError{Path: path, Err: err}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriterSize(tmp, 64<<10)
	if _, err := w.Write(h.marshal()); err != nil {
		return 0, &core.PersistenceWriteError{Path: path, Err: err}
	}
	var buf []byte
	for p := range packets {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		buf = AppendRecord(buf[:0], p)
		if _, err := w.Write(buf); err != nil {
			return n, &core.PersistenceWriteError{Path: path, Err: err}
		}
		n++
	}
	if err := w.Flush(); err != nil {
		return n, &core.PersistenceWriteError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return n, &core.PersistenceWriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return n, &core.PersistenceWriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, &core.PersistenceWriteError{Path: path, Err: fmt.Errorf("rename: %w", err)}
	}
	return n, nil
}
