// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package native

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/format"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// decompressionFunc returns a reader that decompresses src
type decompressionFunc func(src io.Reader) (io.ReadCloser, error)

// decompressors maps single stream formats to their decompressor
var decompressors = map[format.Format]decompressionFunc{
	format.GZip: func(src io.Reader) (io.ReadCloser, error) {
		return gzip.NewReader(src)
	},
	format.Bzip2: func(src io.Reader) (io.ReadCloser, error) {
		return bzip2.NewReader(src, nil)
	},
	format.Xz: func(src io.Reader) (io.ReadCloser, error) {
		r, err := xz.NewReader(src)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(r), nil
	},
	format.Zstd: func(src io.Reader) (io.ReadCloser, error) {
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	},
	format.LZ4: func(src io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(src)), nil
	},
	format.Snappy: func(src io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(snappy.NewReader(src)), nil
	},
	format.Zlib: func(src io.Reader) (io.ReadCloser, error) {
		return zlib.NewReader(src)
	},
}

const (
	// defaultDecompressionName is the name of the content if the archive name
	// does not end with the format extension
	defaultDecompressionName = "decompressed-content"

	// defaultDecompressedSuffix is appended to names without the format extension
	defaultDecompressedSuffix = "decompressed"
)

// streamReader is a [Reader] for a single compressed stream. The stream has
// exactly one entry, the decompressed content.
type streamReader struct {
	cfg   *config.Config
	f     format.Format
	dec   decompressionFunc
	data  []byte
	entry Entry
}

// openStream checks whether the decompressed stream is a tar archive. If so, a
// tar reader over the decompressed stream is returned. Otherwise the stream is
// decompressed once to determine the size of its only entry.
func openStream(cfg *config.Config, f format.Format, dec decompressionFunc, data []byte, name string) (Reader, error) {
	cfg.Logger().Info("opening compressed stream", "format", f)

	open := func() (io.ReadCloser, error) {
		return dec(bytes.NewReader(data))
	}

	// peek into the decompressed stream
	rc, err := open()
	if err != nil {
		return nil, classify(err, "cannot start decompression", "", false)
	}
	hr, err := newHeaderReader(rc, format.MaxHeaderLength())
	if err != nil {
		rc.Close()
		return nil, classify(err, "cannot read decompressed header", "", false)
	}

	if format.DetectWithOptions(hr.PeekHeader(), false) == format.Tar {
		rc.Close()
		cfg.Logger().Debug("compressed stream contains tar archive", "format", f)
		return newTarReader(cfg, f, open)
	}

	// determine size of the content
	ler := newLimitErrorReader(hr, cfg.MaxExtractionSize())
	n, err := io.Copy(io.Discard, ler)
	rc.Close()
	if err != nil {
		if errors.Is(err, errReadLimitExceeded) {
			return nil, failure.Wrap(failure.MemoryExhausted, err, "maximum extraction size exceeded")
		}
		return nil, classify(err, "cannot decompress stream", "", false)
	}

	p := outputName(name, f)
	return &streamReader{
		cfg:  cfg,
		f:    f,
		dec:  dec,
		data: data,
		entry: Entry{
			Name:           p,
			Path:           p,
			Size:           n,
			CompressedSize: int64(len(data)),
		},
	}, nil
}

// outputName derives the name of the decompressed content from the archive name
func outputName(name string, f format.Format) string {
	name = baseName(normalizePath(name))
	if name == "" || name == "." {
		return defaultDecompressionName
	}

	ext := "." + f.Extension()
	newName := name
	if strings.HasSuffix(strings.ToLower(name), ext) {
		newName = name[:len(name)-len(ext)]
	}
	if newName == "" {
		return defaultDecompressionName
	}
	if newName == name {
		return name + "." + defaultDecompressedSuffix
	}
	return newName
}

// Format implements [Reader]
func (r *streamReader) Format() format.Format {
	return r.f
}

// ListEntries implements [Reader]
func (r *streamReader) ListEntries() ([]Entry, error) {
	return []Entry{r.entry}, nil
}

// ExtractEntry implements [Reader]
func (r *streamReader) ExtractEntry(path string, password string, progress ProgressFunc) ([]byte, error) {
	if normalizePath(path) != r.entry.Path {
		return nil, errNotFound(path)
	}

	rc, err := r.dec(bytes.NewReader(r.data))
	if err != nil {
		return nil, classify(err, "cannot start decompression", "", false)
	}
	defer rc.Close()

	data, err := readEntry(r.cfg, rc, r.entry.Path, r.entry.Size, progress)
	if err != nil {
		return nil, classify(err, "cannot decompress "+r.entry.Path, "", false)
	}
	return data, nil
}

// HasPassword implements [Reader]
func (r *streamReader) HasPassword() bool {
	return false
}

// Close implements [Reader]
func (r *streamReader) Close() error {
	r.data = nil
	return nil
}
