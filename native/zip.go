// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package native

import (
	"archive/zip"
	"bytes"
	"io"
	"math"

	"github.com/dsnet/compress/bzip2"
	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/format"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// compression methods that archive/zip does not know
// reference: https://pkware.cachefly.net/webdocs/casestudies/APPNOTE.TXT (4.4.5)
const (
	methodBzip2 uint16 = 12
	methodZstd  uint16 = 93
	methodXz    uint16 = 95
)

// zipFlagEncrypted is bit 0 of the general purpose flag
const zipFlagEncrypted = 0x1

// errReadCloser returns err on every read
type errReadCloser struct {
	err error
}

func (e errReadCloser) Read([]byte) (int, error) { return 0, e.err }
func (e errReadCloser) Close() error             { return nil }

// zipReader is a [Reader] for zip archives
type zipReader struct {
	cfg       *config.Config
	zr        *zip.Reader
	files     map[string]*zip.File
	password  string
	encrypted bool
}

// openZip reads the central directory of data
func openZip(cfg *config.Config, data []byte, password string) (Reader, error) {
	cfg.Logger().Info("opening zip")

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, classify(err, "cannot create zip reader", password, false)
	}
	registerZipDecompressors(zr)

	r := &zipReader{cfg: cfg, zr: zr, files: make(map[string]*zip.File, len(zr.File)), password: password}
	for _, f := range zr.File {
		if f.UncompressedSize64 > math.MaxInt64 || f.CompressedSize64 > math.MaxInt64 {
			return nil, failure.New(failure.CorruptArchive, "invalid size of zip entry %s", f.Name)
		}
		r.files[normalizePath(f.Name)] = f
		if f.Flags&zipFlagEncrypted != 0 {
			r.encrypted = true
		}
	}
	return r, nil
}

// registerZipDecompressors adds methods used by 7-Zip and Info-ZIP
func registerZipDecompressors(zr *zip.Reader) {
	zr.RegisterDecompressor(methodZstd, func(r io.Reader) io.ReadCloser {
		d, err := zstd.NewReader(r)
		if err != nil {
			return errReadCloser{err}
		}
		return d.IOReadCloser()
	})
	zr.RegisterDecompressor(methodBzip2, func(r io.Reader) io.ReadCloser {
		d, err := bzip2.NewReader(r, nil)
		if err != nil {
			return errReadCloser{err}
		}
		return d
	})
	zr.RegisterDecompressor(methodXz, func(r io.Reader) io.ReadCloser {
		d, err := xz.NewReader(r)
		if err != nil {
			return errReadCloser{err}
		}
		return io.NopCloser(d)
	})
}

// Format implements [Reader]
func (r *zipReader) Format() format.Format {
	return format.Zip
}

// ListEntries implements [Reader]
func (r *zipReader) ListEntries() ([]Entry, error) {
	entries := make([]Entry, 0, len(r.zr.File))
	for _, f := range r.zr.File {
		p := normalizePath(f.Name)
		entries = append(entries, Entry{
			Name:           baseName(p),
			Path:           p,
			Size:           int64(f.UncompressedSize64),
			CompressedSize: int64(f.CompressedSize64),
			ModTime:        f.Modified,
			IsDir:          f.FileInfo().IsDir(),
			Encrypted:      f.Flags&zipFlagEncrypted != 0,
			Method:         f.Method,
			CRC32:          f.CRC32,
		})
	}
	return entries, nil
}

// ExtractEntry implements [Reader]
func (r *zipReader) ExtractEntry(path string, password string, progress ProgressFunc) ([]byte, error) {
	f, ok := r.files[normalizePath(path)]
	if !ok {
		return nil, errNotFound(path)
	}
	if f.FileInfo().IsDir() {
		return nil, errDirectory(path)
	}

	if password == "" {
		password = r.password
	}
	if f.Flags&zipFlagEncrypted != 0 {
		if password == "" {
			return nil, failure.New(failure.PasswordRequired, "%s is encrypted", path)
		}
		return nil, failure.New(failure.UnsupportedCompressionMethod, "%s uses zip encryption, which is not supported", path)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, classify(err, "cannot open "+path, password, false)
	}
	defer rc.Close()

	data, err := readEntry(r.cfg, rc, path, int64(f.UncompressedSize64), progress)
	if err != nil {
		return nil, classify(err, "cannot extract "+path, password, false)
	}
	return data, nil
}

// HasPassword implements [Reader]
func (r *zipReader) HasPassword() bool {
	return r.encrypted
}

// Close implements [Reader]
func (r *zipReader) Close() error {
	r.files = nil
	return nil
}
