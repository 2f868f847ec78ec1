// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package native

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/dsnet/compress/bzip2"
	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/format"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// test7zipArchiveHex is a 7zip archive with the file test/data
var test7zipArchiveHex = "377abcaf271c00049af18e7973000000000000002000000000000000a7e80f9801000b48656c6c6f20576f726c6421000000813307ae0fcef2b20c07c8437f41b1fafddb88b6d7636b8bd58a0e24a2f717a5f156e37f41fd00833298421d5d088c0cf987b30c0473663599e4d2f21cb69620038f10458109662135c3024189f42799abe3227b174a853e824f808b2efaab000017061001096300070b01000123030101055d001000000c760a015bcfa0a70000"

// testRarArchiveBase64 is a rar5 archive with the entries dir, dir/foo, file and link
var testRarArchiveBase64 = "UmFyIRoHAQAzkrXlCgEFBgAFAQGAgAADk1YoJQIDC50ABJ0ApIMClAgA9IAAAQdkaXIvZm9vCgMTQPjXZsjBSQhNaSAgNCBTZXAgMjAyNCAwODowMzo0NCBDRVNUCpQdu+oiAgMLnQAEnQCkgwI+z7uqgAABBGZpbGUKAxPEDddmxHsQDkRpICAzIFNlcCAyMDI0IDE1OjIzOjE2IENFU1QKe1xvKCwCAxcABAftwwIAAAAAgAABBGxpbmsKAxNM+NdmSCZHGAsFAQAHZGlyL2Zvb0A2hh0bAgMLAAEA7YMBgAABA2RpcgoDE0D412Z533kHHXdWUQMFBAA="

// zipFile describes a file that is added to a test zip archive
type zipFile struct {
	name    string
	content string
	method  uint16
	flags   uint16
}

// createZip creates a zip archive in memory
func createZip(t *testing.T, files []zipFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(methodZstd, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	})
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.name, Method: f.method, Flags: f.flags, Modified: time.Now()}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("error creating zip entry %s: %v", f.name, err)
		}
		if _, err := w.Write([]byte(f.content)); err != nil {
			t.Fatalf("error writing zip entry %s: %v", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("error closing zip writer: %v", err)
	}
	return buf.Bytes()
}

// createTar creates a tar archive in memory. Names with a trailing slash are
// added as directories.
func createTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg, ModTime: time.Now()}
		if name[len(name)-1] == '/' {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("error writing tar header %s: %v", name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(content)); err != nil {
				t.Fatalf("error writing tar entry %s: %v", name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("error closing tar writer: %v", err)
	}
	return buf.Bytes()
}

// compressGzip compresses data with gzip
func compressGzip(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// compressBzip2 compresses data with bzip2
func compressBzip2(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// compressXz compresses data with xz
func compressXz(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// compressZstd compresses data with zstd
func compressZstd(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// findEntry returns the entry with path p
func findEntry(entries []Entry, p string) (Entry, bool) {
	for _, e := range entries {
		if e.Path == p {
			return e, true
		}
	}
	return Entry{}, false
}

func TestOpenZip(t *testing.T) {
	data := createZip(t, []zipFile{
		{name: "dir/", method: zip.Store},
		{name: "dir/stored.txt", content: "stored content", method: zip.Store},
		{name: "dir/deflated.txt", content: "deflated content deflated content", method: zip.Deflate},
		{name: "zstd.txt", content: "zstd compressed content", method: methodZstd},
		{name: "empty.txt", method: zip.Deflate},
	})

	r, err := New(config.NewConfig()).Open(data, "test.zip", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	if r.Format() != format.Zip {
		t.Errorf("Format() = %v, want %v", r.Format(), format.Zip)
	}
	if r.HasPassword() {
		t.Errorf("HasPassword() = true, want false")
	}

	entries, err := r.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("ListEntries() returned %d entries, want 5", len(entries))
	}

	dir, ok := findEntry(entries, "dir")
	if !ok || !dir.IsDir {
		t.Errorf("directory entry missing or not a directory: %+v", dir)
	}
	if _, err := r.ExtractEntry("dir", "", nil); !errors.Is(err, failure.ErrEntryNotFound) {
		t.Errorf("ExtractEntry(dir) error = %v, want %v", err, failure.ErrEntryNotFound)
	}

	tests := []struct {
		path    string
		content string
		method  uint16
	}{
		{path: "dir/stored.txt", content: "stored content", method: zip.Store},
		{path: "dir/deflated.txt", content: "deflated content deflated content", method: zip.Deflate},
		{path: "zstd.txt", content: "zstd compressed content", method: methodZstd},
		{path: "empty.txt", content: "", method: zip.Deflate},
	}
	for _, test := range tests {
		t.Run(test.path, func(t *testing.T) {
			e, ok := findEntry(entries, test.path)
			if !ok {
				t.Fatalf("entry %s not listed", test.path)
			}
			if e.Method != test.method {
				t.Errorf("Method = %d, want %d", e.Method, test.method)
			}
			if e.Size != int64(len(test.content)) {
				t.Errorf("Size = %d, want %d", e.Size, len(test.content))
			}

			var last Progress
			got, err := r.ExtractEntry(test.path, "", func(p Progress) { last = p })
			if err != nil {
				t.Fatalf("ExtractEntry() error = %v", err)
			}
			if string(got) != test.content {
				t.Errorf("ExtractEntry() = %q, want %q", got, test.content)
			}
			if len(test.content) > 0 && last.Bytes != int64(len(test.content)) {
				t.Errorf("last progress = %d bytes, want %d", last.Bytes, len(test.content))
			}
		})
	}

	if _, err := r.ExtractEntry("missing.txt", "", nil); !errors.Is(err, failure.ErrEntryNotFound) {
		t.Errorf("ExtractEntry(missing) error = %v, want %v", err, failure.ErrEntryNotFound)
	}
}

func TestZipEncryptedEntry(t *testing.T) {
	data := createZip(t, []zipFile{
		{name: "secret.txt", content: "not really encrypted", method: zip.Store, flags: zipFlagEncrypted},
	})

	r, err := New(config.NewConfig()).Open(data, "secret.zip", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !r.HasPassword() {
		t.Errorf("HasPassword() = false, want true")
	}

	entries, _ := r.ListEntries()
	if len(entries) != 1 || !entries[0].Encrypted {
		t.Fatalf("expected one encrypted entry, got %+v", entries)
	}

	if _, err := r.ExtractEntry("secret.txt", "", nil); !errors.Is(err, failure.ErrPasswordRequired) {
		t.Errorf("ExtractEntry() without password error = %v, want %v", err, failure.ErrPasswordRequired)
	}
	if _, err := r.ExtractEntry("secret.txt", "secret", nil); !errors.Is(err, failure.ErrUnsupportedCompressionMethod) {
		t.Errorf("ExtractEntry() with password error = %v, want %v", err, failure.ErrUnsupportedCompressionMethod)
	}
}

func TestZipExtractionLimit(t *testing.T) {
	data := createZip(t, []zipFile{
		{name: "big.txt", content: "0123456789", method: zip.Deflate},
	})

	cfg := config.NewConfig(config.WithMaxExtractionSize(5))
	r, err := New(cfg).Open(data, "big.zip", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := r.ExtractEntry("big.txt", "", nil); !errors.Is(err, failure.ErrMemoryExhausted) {
		t.Errorf("ExtractEntry() error = %v, want %v", err, failure.ErrMemoryExhausted)
	}
}

func TestZipInvalidSize(t *testing.T) {
	tests := []struct {
		name         string
		compressed   uint64
		uncompressed uint64
	}{
		{name: "uncompressed", compressed: 3, uncompressed: math.MaxInt64 + 1},
		{name: "max uint64", compressed: 3, uncompressed: math.MaxUint64},
		{name: "compressed", compressed: math.MaxInt64 + 1, uncompressed: 3},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			zw := zip.NewWriter(&buf)
			w, err := zw.CreateRaw(&zip.FileHeader{
				Name:               "huge.bin",
				Method:             zip.Store,
				CompressedSize64:   test.compressed,
				UncompressedSize64: test.uncompressed,
			})
			if err != nil {
				t.Fatalf("error creating zip entry: %v", err)
			}
			if _, err := w.Write([]byte("abc")); err != nil {
				t.Fatalf("error writing zip entry: %v", err)
			}
			if err := zw.Close(); err != nil {
				t.Fatalf("error closing zip writer: %v", err)
			}

			_, err = New(config.NewConfig()).Open(buf.Bytes(), "huge.zip", "")
			if !errors.Is(err, failure.ErrCorruptArchive) {
				t.Errorf("Open() error = %v, want %v", err, failure.ErrCorruptArchive)
			}
		})
	}
}

func TestOpenTar(t *testing.T) {
	files := map[string]string{
		"dir/":          "",
		"dir/file.txt":  "file content",
		"./other.txt":   "other content",
		"dir/empty.txt": "",
	}
	plain := createTar(t, files)

	tests := []struct {
		name   string
		data   []byte
		format format.Format
	}{
		{name: "tar", data: plain, format: format.Tar},
		{name: "tar.gz", data: compressGzip(t, plain), format: format.GZip},
		{name: "tar.bz2", data: compressBzip2(t, plain), format: format.Bzip2},
		{name: "tar.xz", data: compressXz(t, plain), format: format.Xz},
		{name: "tar.zst", data: compressZstd(t, plain), format: format.Zstd},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := New(config.NewConfig()).Open(test.data, "archive."+test.name, "")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer r.Close()

			if r.Format() != test.format {
				t.Errorf("Format() = %v, want %v", r.Format(), test.format)
			}
			entries, err := r.ListEntries()
			if err != nil {
				t.Fatalf("ListEntries() error = %v", err)
			}
			if len(entries) != len(files) {
				t.Fatalf("ListEntries() returned %d entries, want %d", len(entries), len(files))
			}

			for _, e := range entries {
				if e.IsDir {
					continue
				}
				got, err := r.ExtractEntry(e.Path, "", nil)
				if err != nil {
					t.Fatalf("ExtractEntry(%s) error = %v", e.Path, err)
				}
				if int64(len(got)) != e.Size {
					t.Errorf("ExtractEntry(%s) returned %d bytes, want %d", e.Path, len(got), e.Size)
				}
			}

			got, err := r.ExtractEntry("other.txt", "", nil)
			if err != nil {
				t.Fatalf("ExtractEntry(other.txt) error = %v", err)
			}
			if string(got) != "other content" {
				t.Errorf("ExtractEntry(other.txt) = %q, want %q", got, "other content")
			}
			if _, err := r.ExtractEntry("dir", "", nil); !errors.Is(err, failure.ErrEntryNotFound) {
				t.Errorf("ExtractEntry(dir) error = %v, want %v", err, failure.ErrEntryNotFound)
			}
			if _, err := r.ExtractEntry("nope", "", nil); !errors.Is(err, failure.ErrEntryNotFound) {
				t.Errorf("ExtractEntry(nope) error = %v, want %v", err, failure.ErrEntryNotFound)
			}
		})
	}
}

func TestOpenCompressedStream(t *testing.T) {
	content := []byte("some plain text content, compressed as a single stream")

	tests := []struct {
		name      string
		data      []byte
		format    format.Format
		entryName string
	}{
		{name: "notes.txt.gz", data: compressGzip(t, content), format: format.GZip, entryName: "notes.txt"},
		{name: "notes.txt.bz2", data: compressBzip2(t, content), format: format.Bzip2, entryName: "notes.txt"},
		{name: "notes.txt.xz", data: compressXz(t, content), format: format.Xz, entryName: "notes.txt"},
		{name: "notes.txt.zst", data: compressZstd(t, content), format: format.Zstd, entryName: "notes.txt"},
		{name: "notes", data: compressGzip(t, content), format: format.GZip, entryName: "notes.decompressed"},
		{name: "", data: compressGzip(t, content), format: format.GZip, entryName: defaultDecompressionName},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r, err := New(config.NewConfig()).Open(test.data, test.name, "")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if r.Format() != test.format {
				t.Errorf("Format() = %v, want %v", r.Format(), test.format)
			}
			entries, err := r.ListEntries()
			if err != nil {
				t.Fatalf("ListEntries() error = %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("ListEntries() returned %d entries, want 1", len(entries))
			}
			e := entries[0]
			if e.Path != test.entryName {
				t.Errorf("entry path = %q, want %q", e.Path, test.entryName)
			}
			if e.Size != int64(len(content)) {
				t.Errorf("entry size = %d, want %d", e.Size, len(content))
			}
			if e.CompressedSize != int64(len(test.data)) {
				t.Errorf("entry compressed size = %d, want %d", e.CompressedSize, len(test.data))
			}

			got, err := r.ExtractEntry(e.Path, "", nil)
			if err != nil {
				t.Fatalf("ExtractEntry() error = %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("ExtractEntry() = %q, want %q", got, content)
			}
		})
	}
}

func TestOpenCompressedStreamLimit(t *testing.T) {
	data := compressGzip(t, bytes.Repeat([]byte("a"), 1024))
	cfg := config.NewConfig(config.WithMaxExtractionSize(512))
	if _, err := New(cfg).Open(data, "a.gz", ""); !errors.Is(err, failure.ErrMemoryExhausted) {
		t.Errorf("Open() error = %v, want %v", err, failure.ErrMemoryExhausted)
	}
}

func TestOpenSevenZip(t *testing.T) {
	data, err := hex.DecodeString(test7zipArchiveHex)
	if err != nil {
		t.Fatal(err)
	}

	r, err := New(config.NewConfig()).Open(data, "test.7z", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	if r.Format() != format.SevenZip {
		t.Errorf("Format() = %v, want %v", r.Format(), format.SevenZip)
	}
	entries, err := r.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	e, ok := findEntry(entries, "test/data")
	if !ok {
		t.Fatalf("entry test/data not listed in %+v", entries)
	}
	if e.Size != int64(len("Hello World!")) {
		t.Errorf("entry size = %d, want %d", e.Size, len("Hello World!"))
	}

	got, err := r.ExtractEntry("test/data", "", nil)
	if err != nil {
		t.Fatalf("ExtractEntry() error = %v", err)
	}
	if string(got) != "Hello World!" {
		t.Errorf("ExtractEntry() = %q, want %q", got, "Hello World!")
	}
}

func TestOpenRar(t *testing.T) {
	data, err := base64.StdEncoding.DecodeString(testRarArchiveBase64)
	if err != nil {
		t.Fatal(err)
	}

	r, err := New(config.NewConfig()).Open(data, "test.rar", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	if r.Format() != format.Rar5 {
		t.Errorf("Format() = %v, want %v", r.Format(), format.Rar5)
	}
	if r.HasPassword() {
		t.Errorf("HasPassword() = true, want false")
	}

	entries, err := r.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	for _, p := range []string{"dir", "dir/foo", "file", "link"} {
		if _, ok := findEntry(entries, p); !ok {
			t.Errorf("entry %s not listed", p)
		}
	}
	if dir, _ := findEntry(entries, "dir"); !dir.IsDir {
		t.Errorf("entry dir is not a directory")
	}

	file, _ := findEntry(entries, "file")
	got, err := r.ExtractEntry("file", "", nil)
	if err != nil {
		t.Fatalf("ExtractEntry(file) error = %v", err)
	}
	if int64(len(got)) != file.Size {
		t.Errorf("ExtractEntry(file) returned %d bytes, want %d", len(got), file.Size)
	}

	if _, err := r.ExtractEntry("dir", "", nil); !errors.Is(err, failure.ErrEntryNotFound) {
		t.Errorf("ExtractEntry(dir) error = %v, want %v", err, failure.ErrEntryNotFound)
	}
	if _, err := r.ExtractEntry("missing", "", nil); !errors.Is(err, failure.ErrEntryNotFound) {
		t.Errorf("ExtractEntry(missing) error = %v, want %v", err, failure.ErrEntryNotFound)
	}
}

func TestOpenUnsupported(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		kind failure.Kind
	}{
		{name: "random", data: []byte("just some text"), kind: failure.UnsupportedFormat},
		{name: "empty", data: nil, kind: failure.UnsupportedFormat},
		{name: "broken zip", data: []byte{0x50, 0x4B, 0x03, 0x04, 0x00, 0x00}, kind: failure.CorruptArchive},
		{name: "broken gzip", data: []byte{0x1F, 0x8B, 0x00}, kind: failure.CorruptArchive},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := New(config.NewConfig()).Open(test.data, test.name, "")
			if got := failure.KindOf(err); got != test.kind {
				t.Errorf("Open() error kind = %v (%v), want %v", got, err, test.kind)
			}
		})
	}
}

func TestOutputName(t *testing.T) {
	tests := []struct {
		name   string
		format format.Format
		want   string
	}{
		{name: "file.txt.gz", format: format.GZip, want: "file.txt"},
		{name: "FILE.TXT.GZ", format: format.GZip, want: "FILE.TXT"},
		{name: "path/to/file.bz2", format: format.Bzip2, want: "file"},
		{name: "file", format: format.Xz, want: "file.decompressed"},
		{name: ".gz", format: format.GZip, want: defaultDecompressionName},
		{name: "", format: format.Zstd, want: defaultDecompressionName},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := outputName(test.name, test.format); got != test.want {
				t.Errorf("outputName(%q) = %q, want %q", test.name, got, test.want)
			}
		})
	}
}
