// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package format classifies archive bytes by their magic numbers.
//
// Detection never fails: input that matches no signature is reported as [Unknown].
package format

import (
	"bytes"
)

// Format is the tag of a detected archive or compression format.
type Format string

const (
	Unknown  Format = "unknown"
	Zip      Format = "zip"
	Rar4     Format = "rar4"
	Rar5     Format = "rar5"
	SevenZip Format = "7z"
	Tar      Format = "tar"
	GZip     Format = "gz"
	Bzip2    Format = "bz2"
	Xz       Format = "xz"
	Zstd     Format = "zst"
	LZ4      Format = "lz4"
	Snappy   Format = "sz"
	Zlib     Format = "zz"
)

// IsArchive returns true if f is a container with multiple entries. Compressed
// streams hold a single entry, unless they wrap a tar archive.
func (f Format) IsArchive() bool {
	switch f {
	case Zip, Rar4, Rar5, SevenZip, Tar:
		return true
	}
	return false
}

// IsRar returns true for both rar generations.
func (f Format) IsRar() bool {
	return f == Rar4 || f == Rar5
}

// Extension returns the conventional file extension of f, without a leading dot.
func (f Format) Extension() string {
	switch f {
	case Unknown:
		return ""
	case Rar4, Rar5:
		return "rar"
	}
	return string(f)
}

// String implements the [fmt.Stringer] interface.
func (f Format) String() string {
	return string(f)
}

// Signature is one row of the detection table: the format is reported if one of
// the magic byte sequences is found at the offset.
type Signature struct {
	Format Format
	Offset int
	Magic  [][]byte
}

// offsetTar is the offset where the magic bytes are located in a tar header
const offsetTar = 257

// signatures is the ordered detection table. The first fully matching row wins.
//
// references:
// zip: https://pkware.cachefly.net/webdocs/casestudies/APPNOTE.TXT
// rar: https://www.rarlab.com/technote.htm
// 7z: https://py7zr.readthedocs.io/en/latest/archive_format.html
// tar: https://www.gnu.org/software/tar/manual/html_node/Standard.html
// xz: https://tukaani.org/xz/xz-file-format-1.0.4.txt
// zstd: https://www.rfc-editor.org/rfc/rfc8878.html
// lz4: https://android.googlesource.com/platform/external/lz4/+/HEAD/doc/lz4_Frame_format.md
// zlib: https://www.ietf.org/rfc/rfc1950.txt
var signatures = []Signature{
	{Format: Zip, Magic: [][]byte{
		{0x50, 0x4B, 0x03, 0x04}, // local file header
		{0x50, 0x4B, 0x05, 0x06}, // end of central directory (empty archive)
		{0x50, 0x4B, 0x07, 0x08}, // spanned archive
	}},
	{Format: Rar5, Magic: [][]byte{{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x01, 0x00}}},
	{Format: Rar4, Magic: [][]byte{{0x52, 0x61, 0x72, 0x21, 0x1A, 0x07, 0x00}}},
	{Format: SevenZip, Magic: [][]byte{{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}}},
	{Format: Tar, Offset: offsetTar, Magic: [][]byte{{0x75, 0x73, 0x74, 0x61, 0x72}}}, // "ustar"
	{Format: GZip, Magic: [][]byte{{0x1F, 0x8B}}},
	{Format: Bzip2, Magic: [][]byte{{0x42, 0x5A, 0x68}}}, // "BZh"
	{Format: Xz, Magic: [][]byte{{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}}},
	{Format: Zstd, Magic: [][]byte{{0x28, 0xB5, 0x2F, 0xFD}}},
	{Format: LZ4, Magic: [][]byte{{0x04, 0x22, 0x4D, 0x18}}},
	{Format: Snappy, Magic: [][]byte{append([]byte{0xFF, 0x06, 0x00, 0x00}, []byte("sNaPpY")...)}},
	{Format: Zlib, Magic: [][]byte{
		{0x78, 0x01},
		{0x78, 0x5E},
		{0x78, 0x9C},
		{0x78, 0xDA},
	}},
}

// maxHeaderLength is the number of bytes needed to classify every format
var maxHeaderLength int

// init calculates the maximum header length
func init() {
	for _, s := range signatures {
		for _, mb := range s.Magic {
			if needs := s.Offset + len(mb); needs > maxHeaderLength {
				maxHeaderLength = needs
			}
		}
	}
}

// Signatures returns a copy of the ordered detection table.
func Signatures() []Signature {
	out := make([]Signature, len(signatures))
	for i, s := range signatures {
		magic := make([][]byte, len(s.Magic))
		for j, mb := range s.Magic {
			magic[j] = bytes.Clone(mb)
		}
		out[i] = Signature{Format: s.Format, Offset: s.Offset, Magic: magic}
	}
	return out
}

// MaxHeaderLength returns the number of bytes needed to classify every format
// of [Signatures].
func MaxHeaderLength() int {
	return maxHeaderLength
}

// Detect classifies data. Signatures at a non-zero offset are matched at offset
// 0 if data is too short to contain the offset (truncated probe buffers).
func Detect(data []byte) Format {
	return DetectWithOptions(data, true)
}

// DetectWithOptions classifies data. If fallback is false, signatures at a
// non-zero offset only match if data is long enough to contain them.
func DetectWithOptions(data []byte, fallback bool) Format {
	for _, s := range signatures {
		if s.Matches(data, fallback) {
			return s.Format
		}
	}
	return Unknown
}

// Matches checks if data matches the signature. See [DetectWithOptions] for fallback.
func (s Signature) Matches(data []byte, fallback bool) bool {
	if matchesMagicBytes(data, s.Offset, s.Magic) {
		return true
	}
	if fallback && s.Offset > 0 && len(data) < s.Offset+minLen(s.Magic) {
		return matchesMagicBytes(data, 0, s.Magic)
	}
	return false
}

// matchesMagicBytes checks if one of magicBytes is found at offset in data
func matchesMagicBytes(data []byte, offset int, magicBytes [][]byte) bool {
	// check all possible magic bytes until match is found
	for _, mb := range magicBytes {
		// check if header is long enough
		if offset+len(mb) > len(data) {
			continue
		}

		// check for byte match
		if bytes.Equal(mb, data[offset:offset+len(mb)]) {
			return true
		}
	}

	// no match found
	return false
}

// minLen returns the length of the shortest magic byte sequence
func minLen(magicBytes [][]byte) int {
	n := -1
	for _, mb := range magicBytes {
		if n == -1 || len(mb) < n {
			n = len(mb)
		}
	}
	return n
}
