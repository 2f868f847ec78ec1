// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/hashicorp/go-unarchive/failure"
	"github.com/stretchr/testify/require"
)

// run parses args and runs the selected command
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, options("test", "none", "unknown")...)
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	err = kctx.Run(&env{cli: &cli, out: &out})
	return out.String(), err
}

// writeZip writes a zip archive with files to a temporary directory
func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "test.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return path
}

func TestDetect(t *testing.T) {
	archive := writeZip(t, map[string]string{"a.txt": "a"})

	out, err := run(t, "detect", archive)
	require.NoError(t, err)
	require.Equal(t, "zip\n", out)

	plain := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("plain text"), 0600))
	out, err = run(t, "detect", plain)
	require.NoError(t, err)
	require.Equal(t, "unknown\n", out)

	_, err = run(t, "detect", filepath.Join(t.TempDir(), "missing.zip"))
	require.Error(t, err)
}

func TestList(t *testing.T) {
	archive := writeZip(t, map[string]string{"a.txt": "a", "dir/b.txt": "bb"})

	out, err := run(t, "list", archive)
	require.NoError(t, err)
	require.Contains(t, out, "a.txt")
	require.Contains(t, out, "dir/b.txt")
	require.Contains(t, out, "test.zip: zip, 2 entries")

	out, err = run(t, "list", "--json", archive)
	require.NoError(t, err)
	var listed struct {
		Format     string `json:"format"`
		EntryCount int    `json:"entryCount"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Equal(t, "zip", listed.Format)
	require.Equal(t, 2, listed.EntryCount)
}

func TestListUnsupportedFormat(t *testing.T) {
	plain := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("plain text"), 0600))

	_, err := run(t, "list", plain)
	require.ErrorIs(t, err, failure.ErrUnsupportedFormat)
}

func TestExtract(t *testing.T) {
	archive := writeZip(t, map[string]string{"a.txt": "a", "dir/b.txt": "bb"})
	dst := t.TempDir()

	out, err := run(t, "extract", archive, dst)
	require.NoError(t, err)
	require.Contains(t, out, "extracted 2 files (3 bytes)")

	content, err := os.ReadFile(filepath.Join(dst, "dir", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "bb", string(content))

	// existing files are kept without overwrite
	_, err = run(t, "extract", archive, dst)
	require.Error(t, err)
	_, err = run(t, "extract", "--overwrite", archive, dst)
	require.NoError(t, err)
}

func TestExtractEntries(t *testing.T) {
	archive := writeZip(t, map[string]string{"a.txt": "a", "b.txt": "bb"})
	dst := filepath.Join(t.TempDir(), "out")

	_, err := run(t, "extract", "--entry", "a.txt", archive, dst)
	require.Error(t, err, "destination does not exist")

	out, err := run(t, "extract", "-C", "-e", "a.txt", "-e", "missing.txt", archive, dst)
	require.ErrorIs(t, err, failure.ErrEntryNotFound)
	require.Contains(t, out, "extracted 1 files")

	_, err = os.Stat(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dst, "b.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestConfigFile(t *testing.T) {
	archive := writeZip(t, map[string]string{"a.txt": "a", "b.txt": "bb"})

	cfg := filepath.Join(t.TempDir(), "unarchive.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(strings.Join([]string{
		"max_entries: 1",
		"workers: 2",
		"timeout: 10s",
	}, "\n")), 0600))

	_, err := run(t, "--config", cfg, "list", archive)
	require.ErrorIs(t, err, failure.ErrCorruptArchive)

	// flags take precedence over the configuration file
	_, err = run(t, "--config", cfg, "--max-entries", "10", "list", archive)
	require.NoError(t, err)

	broken := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("workers: [1"), 0600))
	_, err = run(t, "--config", broken, "list", archive)
	require.Error(t, err)
}

func TestInvalidEngineConfiguration(t *testing.T) {
	archive := writeZip(t, map[string]string{"a.txt": "a"})

	_, err := run(t, "--workers", "0", "list", archive)
	require.ErrorIs(t, err, failure.ErrInitializationFailed)
}
