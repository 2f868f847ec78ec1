// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package output

import "io"

// limitErrorWriter is a wrapper around an io.Writer that returns
// io.ErrShortWrite when the limit is reached.
type limitErrorWriter struct {
	W io.Writer // underlying writer
	L int64     // limit
	N int64     // number of bytes written
}

// Write writes up to len(p) bytes from p to the underlying writer. Bytes
// beyond the limit are not written and io.ErrShortWrite is returned.
func (l *limitErrorWriter) Write(p []byte) (n int, err error) {
	if l.N >= l.L {
		return 0, io.ErrShortWrite
	}

	// write until we reach the limit
	if int64(len(p)) > l.L-l.N {
		p = p[0 : l.L-l.N]
		n, err = l.W.Write(p)
		if err == nil {
			err = io.ErrShortWrite
		}
		l.N += int64(n)
		return n, err
	}

	n, err = l.W.Write(p)
	l.N += int64(n)
	return n, err
}

// limitWriter returns w limited to maxSize bytes, w itself if maxSize < 0
func limitWriter(w io.Writer, maxSize int64) io.Writer {
	if maxSize < 0 {
		return w
	}
	return &limitErrorWriter{W: w, L: maxSize}
}
