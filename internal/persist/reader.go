package persist

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"firestige.xyz/usbview/internal/core"
)

// Stats counts the records of a file. Total is what is physically present,
// including a truncated final record; Parsed is what decoded.
type Stats struct {
	Total  int
	Parsed int
}

func (s Stats) Skipped() int { return s.Total - s.Parsed }

// Result is a fully loaded file.
type Result struct {
	Path    string
	Header  Header
	Packets []core.Packet
	Stats
}

// Warning reports skipped records, or nil when every record decoded.
func (r *Result) Warning() error {
	if r.Skipped() == 0 {
		return nil
	}
	return &core.PersistenceReadError{Path: r.Path, Skipped: r.Skipped()}
}

// recordScanner walks the records of a file and tracks the offset of the end
// of the last complete record.
type recordScanner struct {
	r      *bufio.Reader
	offset int64 // end of the last complete record
	body   []byte
}

// next reads one record body. It returns io.EOF at a clean end and
// io.ErrUnexpectedEOF for a torn record.
func (s *recordScanner) next() ([]byte, error) {
	cr := &countingByteReader{r: s.r}
	n, err := binary.ReadUvarint(cr)
	if err != nil {
		if errors.Is(err, io.EOF) && cr.n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		// varint overflow: framing is lost
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if n > maxRecordLen {
		return nil, fmt.Errorf("%w: record length %d", errMalformed, n)
	}
	if cap(s.body) < int(n) {
		s.body = make([]byte, n)
	}
	s.body = s.body[:n]
	if _, err := io.ReadFull(s.r, s.body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	s.offset += int64(cr.n) + int64(n)
	return s.body, nil
}

type countingByteReader struct {
	r io.ByteReader
	n int
}

func (c *countingByteReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

// Scan streams the packets of r to fn. Malformed records are skipped and
// counted; a truncated final record counts as present but not parsed. A
// record length that cannot be trusted ends the scan and counts as one
// skipped record. fn returning an error stops the scan with that error.
func Scan(ctx context.Context, r io.Reader, fn func(core.Packet) error) (Header, Stats, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	h, err := readHeader(br)
	if err != nil {
		return Header{}, Stats{}, err
	}

	var st Stats
	sc := &recordScanner{r: br}
	for {
		if st.Total%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return h, st, err
			}
		}
		body, err := sc.next()
		if errors.Is(err, io.EOF) {
			return h, st, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, errMalformed) {
			st.Total++
			return h, st, nil
		}
		if err != nil {
			return h, st, err
		}

		st.Total++
		p, err := unmarshalPacket(body)
		if err != nil {
			continue
		}
		st.Parsed++
		if err := fn(p); err != nil {
			return h, st, err
		}
	}
}

// Read loads every readable packet of the file at path. Skipped records are
// reported through Result.Warning, not as an error.
func Read(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrPersistenceRead, err)
	}
	defer f.Close()

	res := &Result{Path: path}
	res.Header, res.Stats, err = Scan(ctx, f, func(p core.Packet) error {
		res.Packets = append(res.Packets, p)
		return nil
	})
	if err != nil {
		return nil, &core.PersistenceReadError{Path: path, Err: err}
	}
	return res, nil
}
