// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package native

import (
	"bytes"

	"github.com/bodgit/sevenzip"
	"github.com/hashicorp/go-unarchive/config"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/hashicorp/go-unarchive/format"
)

// sevenZipReader is a [Reader] for 7zip archives
type sevenZipReader struct {
	cfg       *config.Config
	r         *sevenzip.Reader
	files     map[string]*sevenzip.File
	password  string
	encrypted bool
}

// openSevenZip reads the headers of data. The archive counts as encrypted if the
// headers cannot be read without a password.
func openSevenZip(cfg *config.Config, data []byte, password string) (Reader, error) {
	cfg.Logger().Info("opening 7zip")

	size := int64(len(data))
	sz, err := sevenzip.NewReader(bytes.NewReader(data), size)
	encrypted := false
	if err != nil {
		perr := classify(err, "cannot create 7zip reader", "", false)
		if failure.KindOf(perr) != failure.PasswordRequired || password == "" {
			return nil, perr
		}
		encrypted = true
	}

	// encrypted streams need the password even if the headers are plain
	if password != "" {
		sz, err = sevenzip.NewReaderWithPassword(bytes.NewReader(data), size, password)
		if err != nil {
			return nil, classify(err, "cannot create 7zip reader", password, encrypted)
		}
	}

	r := &sevenZipReader{cfg: cfg, r: sz, files: make(map[string]*sevenzip.File, len(sz.File)), password: password, encrypted: encrypted}
	for _, f := range sz.File {
		r.files[normalizePath(f.Name)] = f
	}
	return r, nil
}

// Format implements [Reader]
func (r *sevenZipReader) Format() format.Format {
	return format.SevenZip
}

// ListEntries implements [Reader]
func (r *sevenZipReader) ListEntries() ([]Entry, error) {
	entries := make([]Entry, 0, len(r.r.File))
	for _, f := range r.r.File {
		p := normalizePath(f.Name)
		fi := f.FileInfo()
		entries = append(entries, Entry{
			Name:           baseName(p),
			Path:           p,
			Size:           int64(f.UncompressedSize),
			CompressedSize: -1,
			ModTime:        f.Modified,
			IsDir:          fi.IsDir(),
			Encrypted:      r.encrypted,
			CRC32:          f.CRC32,
		})
	}
	return entries, nil
}

// ExtractEntry implements [Reader]. The password of the archive is fixed when the
// reader is created, a different password requires opening the archive again.
func (r *sevenZipReader) ExtractEntry(path string, password string, progress ProgressFunc) ([]byte, error) {
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

	rc, err := f.Open()
	if err != nil {
		return nil, classify(err, "cannot open "+path, password, r.encrypted)
	}
	defer rc.Close()

	data, err := readEntry(r.cfg, rc, path, int64(f.UncompressedSize), progress)
	if err != nil {
		return nil, classify(err, "cannot extract "+path, password, r.encrypted)
	}
	return data, nil
}

// HasPassword implements [Reader]
func (r *sevenZipReader) HasPassword() bool {
	return r.encrypted
}

// Close implements [Reader]
func (r *sevenZipReader) Close() error {
	r.files = nil
	return nil
}
