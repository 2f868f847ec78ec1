// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package native

import (
	"archive/zip"
	"errors"
	"strings"

	"github.com/hashicorp/go-unarchive/failure"
)

// classify maps an error of a decompression library to the engine taxonomy.
// The libraries do not export typed errors for all conditions, so the message
// is inspected as well. encrypted signals that the archive is known to be
// password protected, in which case corrupt data with a password is reported
// as InvalidPassword.
func classify(err error, msg string, password string, encrypted bool) error {
	if err == nil {
		return nil
	}

	// keep errors that are already classified
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "password") || strings.Contains(s, "encrypted"):
		if password == "" {
			return failure.Wrap(failure.PasswordRequired, err, msg)
		}
		return failure.Wrap(failure.InvalidPassword, err, msg)
	case errors.Is(err, zip.ErrAlgorithm) || strings.Contains(s, "unsupported"):
		return failure.Wrap(failure.UnsupportedCompressionMethod, err, msg)
	case encrypted && password != "":
		return failure.Wrap(failure.InvalidPassword, err, msg)
	default:
		// includes zip.ErrChecksum, zip.ErrFormat and checksum errors of the other readers
		return failure.Wrap(failure.CorruptArchive, err, msg)
	}
}
