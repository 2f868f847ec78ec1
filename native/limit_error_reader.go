// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package native

import (
	"bytes"
	"errors"
	"io"

	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
)

// errReadLimitExceeded is returned if more data than the limit is available
var errReadLimitExceeded = errors.New("read limit exceeded")

// limitErrorReader is a reader that returns an error if the limit is exceeded
// before the underlying reader is fully read.
// If the limit is -1, all data from the original reader is read.
type limitErrorReader struct {
	R io.Reader // underlying reader
	L int64     // limit
	N int64     // number of bytes read
}

// Read reads from the underlying reader and fills up p.
// It returns an error if the limit is exceeded, even if the underlying reader is not fully read.
// If the limit is -1, all data from the original reader is read.
func (l *limitErrorReader) Read(p []byte) (int, error) {
	// determine how many bytes to read
	m := l.L - l.N
	if l.L == -1 || m > int64(len(p)) {
		m = int64(len(p))
	}

	// limit reached: the underlying reader must be drained
	if m == 0 && len(p) > 0 {
		var probe [1]byte
		n, err := l.R.Read(probe[:])
		if n > 0 {
			return 0, errReadLimitExceeded
		}
		return 0, err
	}

	// read from underlying reader and preserve error type
	n, err := l.R.Read(p[:m])
	l.N += int64(n)
	return n, err
}

// ReadBytes returns how many bytes have been read from the underlying reader
func (l *limitErrorReader) ReadBytes() int64 {
	return l.N
}

// newLimitErrorReader returns a new limitErrorReader that reads from r
func newLimitErrorReader(r io.Reader, limit int64) *limitErrorReader {
	return &limitErrorReader{R: r, L: limit, N: 0}
}

// progressReader reports the number of read bytes after every read
type progressReader struct {
	r        io.Reader
	path     string
	total    int64
	n        int64
	progress ProgressFunc
}

// Read implements io.Reader
func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		p.progress(Progress{Path: p.path, Bytes: p.n, Total: p.total})
	}
	return n, err
}

// readEntry reads the content of the entry at path from r. declared is the size
// stored in the archive (-1 if unknown). The content must not exceed declared
// nor the configured maximum extraction size.
func readEntry(cfg *config.Config, r io.Reader, path string, declared int64, progress ProgressFunc) ([]byte, error) {
	if declared >= 0 {
		if err := cfg.CheckExtractionSize(declared); err != nil {
			return nil, failure.Wrap(failure.MemoryExhausted, err, "cannot extract "+path)
		}
	}

	limit := declared
	if limit < 0 {
		limit = cfg.MaxExtractionSize()
	}

	src := io.Reader(newLimitErrorReader(r, limit))
	if progress != nil {
		src = &progressReader{r: src, path: path, total: declared, progress: progress}
	}

	var buf bytes.Buffer
	if declared > 0 {
		buf.Grow(int(declared))
	}
	if _, err := io.Copy(&buf, src); err != nil {
		if errors.Is(err, errReadLimitExceeded) {
			if declared < 0 {
				return nil, failure.Wrap(failure.MemoryExhausted, err, "maximum extraction size exceeded for "+path)
			}
			return nil, failure.Wrap(failure.CorruptArchive, err, "entry is larger than declared: "+path)
		}
		return nil, err
	}

	if declared >= 0 && int64(buf.Len()) != declared {
		return nil, failure.New(failure.CorruptArchive, "entry %s is truncated: got %d of %d bytes", path, buf.Len(), declared)
	}
	return buf.Bytes(), nil
}
