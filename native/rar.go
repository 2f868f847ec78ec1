// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package native

import (
	"bytes"
	"errors"
	"io"

	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/format"
	"github.com/nwaples/rardecode"
)

// rarReader is a [Reader] for rar archives. rardecode only reads sequentially,
// so every extraction walks the archive from the start.
type rarReader struct {
	cfg       *config.Config
	f         format.Format
	data      []byte
	password  string
	entries   []Entry
	encrypted bool
}

// openRar walks all headers of data
func openRar(cfg *config.Config, f format.Format, data []byte, password string) (Reader, error) {
	cfg.Logger().Info("opening rar", "format", f)

	r := &rarReader{cfg: cfg, f: f, data: data, password: password}

	// check whether the headers are readable without a password
	if password != "" {
		if _, _, err := r.walk("", ""); err != nil {
			r.encrypted = true
		}
	}

	entries, _, err := r.walk(password, "")
	if err != nil {
		return nil, classify(err, "cannot read rar headers", password, r.encrypted)
	}
	r.entries = entries
	return r, nil
}

// walk reads all headers with password. If stop is not empty, the walk ends at
// the entry with path stop and the returned reader is positioned at its data.
func (r *rarReader) walk(password string, stop string) ([]Entry, *rardecode.Reader, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(r.data), password)
	if err != nil {
		return nil, nil, err
	}
	var entries []Entry
	for {
		fh, err := rr.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		p := normalizePath(fh.Name)
		size := fh.UnPackedSize
		if fh.UnKnownSize {
			size = -1
		}
		entries = append(entries, Entry{
			Name:           baseName(p),
			Path:           p,
			Size:           size,
			CompressedSize: fh.PackedSize,
			ModTime:        fh.ModificationTime,
			IsDir:          fh.IsDir,
			Encrypted:      r.encrypted,
		})
		if stop != "" && p == stop {
			return entries, rr, nil
		}
	}
}

// Format implements [Reader]
func (r *rarReader) Format() format.Format {
	return r.f
}

// ListEntries implements [Reader]
func (r *rarReader) ListEntries() ([]Entry, error) {
	return append([]Entry(nil), r.entries...), nil
}

// ExtractEntry implements [Reader]
func (r *rarReader) ExtractEntry(path string, password string, progress ProgressFunc) ([]byte, error) {
	if password == "" {
		password = r.password
	}
	path = normalizePath(path)

	entries, rr, err := r.walk(password, path)
	if err != nil {
		return nil, classify(err, "cannot read rar headers", password, r.encrypted)
	}
	if rr == nil {
		return nil, errNotFound(path)
	}
	entry := entries[len(entries)-1]
	if entry.IsDir {
		return nil, errDirectory(path)
	}

	data, err := readEntry(r.cfg, rr, path, entry.Size, progress)
	if err != nil {
		return nil, classify(err, "cannot extract "+path, password, r.encrypted)
	}
	return data, nil
}

// HasPassword implements [Reader]
func (r *rarReader) HasPassword() bool {
	return r.encrypted
}

// Close implements [Reader]
func (r *rarReader) Close() error {
	r.data = nil
	r.entries = nil
	return nil
}
