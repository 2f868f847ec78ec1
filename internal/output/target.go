// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package output

import (
	"fmt"
	"io"
	"io/fs"
	"os"
)

// Target specifies all functions that are needed to write extracted entries
type Target interface {
	// CreateFile creates a file at path with src as content. If the file
	// already exists and overwrite is false, an error is returned. The file
	// must not exceed maxSize bytes, if maxSize < 0 the size is not limited.
	// The number of written bytes is returned, also in case of an error.
	CreateFile(path string, src io.Reader, mode fs.FileMode, overwrite bool, maxSize int64) (int64, error)

	// CreateDir creates a directory at path. If the directory already exists,
	// nothing is done.
	CreateDir(path string, mode fs.FileMode) error

	// Lstat see docs for os.Lstat. Main purpose is to check for symlinks in
	// the output path.
	Lstat(path string) (fs.FileInfo, error)
}

// Disk is a [Target] on the local filesystem.
type Disk struct{}

// NewDisk creates a [Disk] target.
func NewDisk() *Disk {
	return &Disk{}
}

// CreateDir implements [Target].
func (d *Disk) CreateDir(path string, mode fs.FileMode) error {
	if err := os.MkdirAll(path, mode.Perm()); err != nil {
		return fmt.Errorf("failed to create directory (%w)", err)
	}
	return nil
}

// CreateFile implements [Target].
func (d *Disk) CreateFile(path string, src io.Reader, mode fs.FileMode, overwrite bool, maxSize int64) (int64, error) {
	// check for path validity and if file existence+overwrite
	if _, err := os.Lstat(path); !os.IsNotExist(err) {
		if err != nil {
			return 0, fmt.Errorf("invalid path: %w", err)
		}
		if !overwrite {
			return 0, fmt.Errorf("file already exists")
		}
	}

	dstFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer dstFile.Close()

	n, err := io.Copy(limitWriter(dstFile, maxSize), src)
	if err != nil {
		return n, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}

// Lstat implements [Target].
func (d *Disk) Lstat(name string) (fs.FileInfo, error) {
	return os.Lstat(name)
}
