// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package output

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// testLogger discards all log output
var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestWriteFile(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		prepare   func(t *testing.T, dst string)
		overwrite bool
		maxSize   int64
		wantErr   bool
	}{
		{name: "file", file: "a.txt", maxSize: -1},
		{name: "nested file", file: "dir/sub/a.txt", maxSize: -1},
		{name: "traversal", file: "../a.txt", maxSize: -1, wantErr: true},
		{name: "nested traversal", file: "dir/../../a.txt", maxSize: -1, wantErr: true},
		{name: "empty name", file: "", maxSize: -1, wantErr: true},
		{name: "size limit", file: "a.txt", maxSize: 2, wantErr: true},
		{
			name:    "existing file",
			file:    "a.txt",
			maxSize: -1,
			prepare: func(t *testing.T, dst string) {
				if err := os.WriteFile(filepath.Join(dst, "a.txt"), []byte("old"), 0600); err != nil {
					t.Fatal(err)
				}
			},
			wantErr: true,
		},
		{
			name:      "overwrite existing file",
			file:      "a.txt",
			maxSize:   -1,
			overwrite: true,
			prepare: func(t *testing.T, dst string) {
				if err := os.WriteFile(filepath.Join(dst, "a.txt"), []byte("old"), 0600); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name:    "symlink in path",
			file:    "link/a.txt",
			maxSize: -1,
			prepare: func(t *testing.T, dst string) {
				if runtime.GOOS == "windows" {
					t.Skip("symlinks require privileges on windows")
				}
				if err := os.Symlink(t.TempDir(), filepath.Join(dst, "link")); err != nil {
					t.Fatal(err)
				}
			},
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			dst := t.TempDir()
			if test.prepare != nil {
				test.prepare(t, dst)
			}

			w := NewWriter(NewDisk(), dst, test.overwrite, false, test.maxSize, testLogger)
			n, err := w.WriteFile(test.file, []byte("content"))
			if test.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if n != 7 {
				t.Errorf("expected 7 bytes written, got %d", n)
			}
			got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(test.file)))
			if err != nil {
				t.Fatalf("cannot read written file: %v", err)
			}
			if string(got) != "content" {
				t.Errorf("expected content, got %q", got)
			}
		})
	}
}

func TestCreateDestination(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "out")

	w := NewWriter(NewDisk(), dst, false, false, -1, testLogger)
	if _, err := w.WriteFile("a.txt", []byte("a")); err == nil {
		t.Fatalf("expected error for missing destination")
	}

	w = NewWriter(NewDisk(), dst, false, true, -1, testLogger)
	if _, err := w.WriteFile("a.txt", []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dst, "a.txt")); err != nil {
		t.Errorf("expected file in created destination: %v", err)
	}
}

func TestWriteFiles(t *testing.T) {
	dst := t.TempDir()
	w := NewWriter(NewDisk(), dst, false, false, -1, testLogger)

	n, err := w.WriteFiles(map[string][]byte{
		"a.txt":     []byte("a"),
		"dir/b.txt": []byte("bb"),
		"../c.txt":  []byte("ccc"),
	})
	if err == nil {
		t.Fatalf("expected error for traversal")
	}
	if n != 3 {
		t.Errorf("expected 3 bytes written, got %d", n)
	}
	for _, name := range []string{"a.txt", "dir/b.txt"} {
		if _, err := os.Stat(filepath.Join(dst, filepath.FromSlash(name))); err != nil {
			t.Errorf("expected %s to be written: %v", name, err)
		}
	}
}

func TestLimitErrorWriter(t *testing.T) {
	tests := []struct {
		name    string
		limit   int64
		input   string
		want    string
		wantErr error
	}{
		{name: "below limit", limit: 10, input: "abc", want: "abc"},
		{name: "at limit", limit: 3, input: "abc", want: "abc"},
		{name: "above limit", limit: 2, input: "abc", want: "ab", wantErr: io.ErrShortWrite},
		{name: "unlimited", limit: -1, input: "abc", want: "abc"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var buf bytes.Buffer
			_, err := limitWriter(&buf, test.limit).Write([]byte(test.input))
			if !errors.Is(err, test.wantErr) {
				t.Errorf("expected error %v, got %v", test.wantErr, err)
			}
			if buf.String() != test.want {
				t.Errorf("expected %q, got %q", test.want, buf.String())
			}
		})
	}
}
