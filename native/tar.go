// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package native

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"

	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/format"
)

// tarReader is a [Reader] for tar archives, plain or wrapped in a compressed
// stream. open returns a fresh stream of the tar archive on every call.
type tarReader struct {
	cfg     *config.Config
	f       format.Format
	open    func() (io.ReadCloser, error)
	entries []Entry
}

// openTar reads all headers of the plain tar archive data
func openTar(cfg *config.Config, data []byte) (Reader, error) {
	cfg.Logger().Info("opening tar")
	return newTarReader(cfg, format.Tar, func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// newTarReader reads all headers of the stream returned by open
func newTarReader(cfg *config.Config, f format.Format, open func() (io.ReadCloser, error)) (*tarReader, error) {
	r := &tarReader{cfg: cfg, f: f, open: open}

	src, err := open()
	if err != nil {
		return nil, classify(err, "cannot open tar stream", "", false)
	}
	defer src.Close()

	entries, err := listTar(src)
	if err != nil {
		return nil, classify(err, "cannot read tar headers", "", false)
	}
	r.entries = entries
	return r, nil
}

// listTar walks all headers of the tar stream src
func listTar(src io.Reader) ([]Entry, error) {
	tr := tar.NewReader(src)
	var entries []Entry
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}

		// skip pax and gnu meta data
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader, tar.TypeGNULongName, tar.TypeGNULongLink:
			continue
		}

		p := normalizePath(hdr.Name)
		if p == "" || p == "." {
			continue
		}
		entries = append(entries, Entry{
			Name:           baseName(p),
			Path:           p,
			Size:           tarSize(hdr),
			CompressedSize: -1,
			ModTime:        hdr.ModTime,
			IsDir:          hdr.Typeflag == tar.TypeDir,
		})
	}
}

// tarSize returns the size of the data that the entry carries
func tarSize(hdr *tar.Header) int64 {
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeChar, tar.TypeBlock, tar.TypeFifo, tar.TypeGNUSparse:
		return hdr.Size
	case tar.TypeDir, tar.TypeSymlink, tar.TypeLink:
		return 0
	}
	return hdr.Size
}

// Format implements [Reader]
func (r *tarReader) Format() format.Format {
	return r.f
}

// ListEntries implements [Reader]
func (r *tarReader) ListEntries() ([]Entry, error) {
	return append([]Entry(nil), r.entries...), nil
}

// ExtractEntry implements [Reader]. Tar archives cannot be encrypted, so the
// password is ignored.
func (r *tarReader) ExtractEntry(path string, password string, progress ProgressFunc) ([]byte, error) {
	path = normalizePath(path)

	src, err := r.open()
	if err != nil {
		return nil, classify(err, "cannot open tar stream", "", false)
	}
	defer src.Close()

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, errNotFound(path)
		}
		if err != nil {
			return nil, classify(err, "cannot read tar headers", "", false)
		}
		if normalizePath(hdr.Name) != path {
			continue
		}
		if hdr.Typeflag == tar.TypeDir {
			return nil, errDirectory(path)
		}

		data, err := readEntry(r.cfg, tr, path, tarSize(hdr), progress)
		if err != nil {
			return nil, classify(err, "cannot extract "+path, "", false)
		}
		return data, nil
	}
}

// HasPassword implements [Reader]
func (r *tarReader) HasPassword() bool {
	return false
}

// Close implements [Reader]
func (r *tarReader) Close() error {
	r.entries = nil
	return nil
}
