// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package output

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-unarchive/config"
)

const (
	// dirMode is the mode of created directories
	dirMode fs.FileMode = 0750

	// fileMode is the mode of created files
	fileMode fs.FileMode = 0640
)

// Writer writes extracted entries below a destination directory. Entry paths
// that leave the destination or pass through a symlink are rejected.
type Writer struct {
	target            Target
	dst               string
	overwrite         bool
	createDestination bool
	maxSize           int64
	logger            config.Logger
}

// NewWriter creates a writer for dst on t. maxSize limits every file, -1
// disables the limit.
func NewWriter(t Target, dst string, overwrite bool, createDestination bool, maxSize int64, logger config.Logger) *Writer {
	return &Writer{
		target:            t,
		dst:               dst,
		overwrite:         overwrite,
		createDestination: createDestination,
		maxSize:           maxSize,
		logger:            logger,
	}
}

// WriteFile writes data to name below the destination.
func (w *Writer) WriteFile(name string, data []byte) (int64, error) {
	if len(name) == 0 {
		return 0, fmt.Errorf("cannot create file without name")
	}

	// adjust path to be os specific
	name = filepath.Join(strings.Split(name, "/")...)

	if err := w.createDir(filepath.Dir(name)); err != nil {
		return 0, fmt.Errorf("cannot create directory: %w", err)
	}

	// ensure that if the file exists that it is not a symlink
	if err := w.securityCheck(name); err != nil {
		return 0, fmt.Errorf("security check path failed: %w", err)
	}

	n, err := w.target.CreateFile(filepath.Join(w.dst, name), bytes.NewReader(data), fileMode, w.overwrite, w.maxSize)
	if err != nil {
		return n, err
	}
	w.logger.Debug("wrote file", "name", name, "bytes", n)
	return n, nil
}

// WriteFiles writes all files in name order. A failing file does not abort the
// others, the returned error aggregates all failures.
func (w *Writer) WriteFiles(files map[string][]byte) (int64, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var total int64
	var result *multierror.Error
	for _, name := range names {
		n, err := w.WriteFile(name, files[name])
		total += n
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}
	return total, result.ErrorOrNil()
}

// createDir ensures that the destination and name below it exist
func (w *Writer) createDir(name string) error {
	if len(w.dst) > 0 {
		if _, err := w.target.Lstat(w.dst); os.IsNotExist(err) {
			if !w.createDestination {
				return fmt.Errorf("destination does not exist")
			}
			if err := w.target.CreateDir(w.dst, dirMode); err != nil {
				return fmt.Errorf("failed to create destination directory %w", err)
			}
			w.logger.Info("created destination directory", "path", w.dst)
		}
	}

	if name == "." {
		return nil
	}

	if err := w.securityCheck(name); err != nil {
		return fmt.Errorf("security check path failed: %w", err)
	}
	return w.target.CreateDir(filepath.Join(w.dst, name), dirMode)
}

// securityCheck returns an error if path leaves the destination or if any
// element of path is a symlink
func (w *Writer) securityCheck(path string) error {
	if len(w.dst) == 0 && filepath.IsAbs(path) {
		return fmt.Errorf("absolute path detected")
	}

	rel, err := filepath.Rel(w.dst, filepath.Join(w.dst, path))
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("path traversal detected")
	}

	// check each dir in path
	elements := strings.Split(filepath.Clean(path), string(os.PathSeparator))
	for i := range elements {
		checkDir := filepath.Join(w.dst, filepath.Join(elements[:i+1]...))
		if checkDir == "." || len(checkDir) == 0 {
			continue
		}

		stat, err := w.target.Lstat(checkDir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("invalid path: %w", err)
		}
		if stat.Mode()&os.ModeSymlink == os.ModeSymlink {
			return fmt.Errorf("symlink in path")
		}
	}
	return nil
}
