// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package native provides the decompression module that is hosted inside an
// execution context. A [Module] opens archive bytes into a [Reader] that
// enumerates entries and extracts single entries to memory.
//
// The decompression itself is delegated to archive/zip, archive/tar,
// github.com/nwaples/rardecode, github.com/bodgit/sevenzip and the stream
// decompressors of github.com/klauspost/compress, github.com/dsnet/compress,
// github.com/ulikunitz/xz and github.com/pierrec/lz4.
package native

import (
	"path"
	"strings"
	"time"

	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/format"
)

// Module opens archives. Implementations need not be safe for concurrent use;
// every execution context owns its own instance.
type Module interface {
	// Open parses data as an archive. name is the declared name of the archive
	// and is used to name the content of single compressed streams. Open fails
	// with PasswordRequired, InvalidPassword, CorruptArchive or UnsupportedFormat.
	Open(data []byte, name string, password string) (Reader, error)
}

// Reader is an opened archive.
type Reader interface {
	// Format returns the detected format of the archive.
	Format() format.Format

	// ListEntries returns all entries in archive order.
	ListEntries() ([]Entry, error)

	// ExtractEntry decompresses the entry at path. If password is empty, the
	// password used to open the archive is used. ExtractEntry fails with
	// EntryNotFound, CorruptArchive, PasswordRequired, InvalidPassword or
	// UnsupportedCompressionMethod.
	ExtractEntry(path string, password string, progress ProgressFunc) ([]byte, error)

	// HasPassword returns true if the archive is password protected.
	HasPassword() bool

	// Close releases the reader.
	Close() error
}

// Entry is one file or directory in an archive.
type Entry struct {
	// Name is the base name of the entry
	Name string `json:"name"`

	// Path is the full path of the entry inside the archive, without a trailing slash
	Path string `json:"path"`

	// Size is the uncompressed size in bytes
	Size int64 `json:"size"`

	// CompressedSize is the compressed size in bytes, -1 if unknown
	CompressedSize int64 `json:"compressedSize"`

	// ModTime is the modification time
	ModTime time.Time `json:"lastModified"`

	// IsDir is true for directories
	IsDir bool `json:"isDirectory"`

	// Encrypted is true if the entry data is encrypted
	Encrypted bool `json:"encrypted"`

	// Method is the format specific compression method code
	Method uint16 `json:"method"`

	// CRC32 is the checksum of the uncompressed data, 0 if unknown
	CRC32 uint32 `json:"crc"`
}

// Progress reports the state of an extraction.
type Progress struct {
	Path  string
	Bytes int64
	Total int64
}

// ProgressFunc consumes [Progress] reports.
type ProgressFunc func(Progress)

// module is the default [Module].
type module struct {
	cfg *config.Config
}

// New returns the default module.
func New(cfg *config.Config) Module {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &module{cfg: cfg}
}

// Open implements [Module].
func (m *module) Open(data []byte, name string, password string) (Reader, error) {
	f := format.DetectWithOptions(data, m.cfg.TruncatedProbeFallback())
	m.cfg.Logger().Debug("open archive", "name", name, "format", f, "size", len(data))

	switch f {
	case format.Zip:
		return openZip(m.cfg, data, password)
	case format.Rar4, format.Rar5:
		return openRar(m.cfg, f, data, password)
	case format.SevenZip:
		return openSevenZip(m.cfg, data, password)
	case format.Tar:
		return openTar(m.cfg, data)
	case format.Unknown:
		return nil, failure.New(failure.UnsupportedFormat, "cannot detect format of %q", name)
	}

	if dec, ok := decompressors[f]; ok {
		return openStream(m.cfg, f, dec, data, name)
	}
	return nil, failure.New(failure.UnsupportedFormat, "no reader for format %s", f)
}

// normalizePath converts an archive path into the form used for lookups
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "./")
	return strings.TrimSuffix(p, "/")
}

// baseName returns the last element of a normalized path
func baseName(p string) string {
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// errDirectory is returned if a directory is extracted
func errDirectory(p string) error {
	return failure.New(failure.EntryNotFound, "%s is a directory", p)
}

// errNotFound is returned if no entry matches p
func errNotFound(p string) error {
	return failure.New(failure.EntryNotFound, "no entry %q in archive", p)
}
