// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-unarchive/format"
	"github.com/hashicorp/go-unarchive/internal/output"
	"github.com/pkg/errors"
)

// detectCmd prints the detected format
type detectCmd struct {
	Archive string `arg:"" name:"archive" help:"Path to archive. (\"-\" for STDIN)"`
}

// Run implements the detect command
func (c *detectCmd) Run(e *env) error {
	data, _, err := readArchive(c.Archive)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, format.Detect(data))
	return nil
}

// listCmd prints the entries of an archive
type listCmd struct {
	Archive  string `arg:"" name:"archive" help:"Path to archive. (\"-\" for STDIN)"`
	JSON     bool   `short:"j" help:"Print the archive as JSON."`
	Password string `short:"p" env:"UNARCHIVE_PASSWORD" help:"Password of an encrypted archive."`
}

// Run implements the list command
func (c *listCmd) Run(e *env) error {
	ctx := context.Background()
	data, name, err := readArchive(c.Archive)
	if err != nil {
		return err
	}

	eng, err := e.engine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	archive, err := eng.LoadArchive(ctx, data, name, c.Password, nil)
	if err != nil {
		return errors.Wrapf(err, "cannot load %s", name)
	}

	if c.JSON {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(archive)
	}

	tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', tabwriter.AlignRight)
	for _, entry := range archive.Entries {
		path := entry.Path
		if entry.IsDir {
			path += "/"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t\n", entry.Size, entry.ModTime.Format("2006-01-02 15:04"), path)
	}
	if err := tw.Flush(); err != nil {
		return errors.Wrap(err, "cannot print entries")
	}
	fmt.Fprintf(e.out, "%s: %s, %d entries\n", archive.Name, archive.Format, archive.EntryCount)
	return nil
}

// extractCmd writes entries of an archive into a directory
type extractCmd struct {
	Archive           string   `arg:"" name:"archive" help:"Path to archive. (\"-\" for STDIN)"`
	Destination       string   `arg:"" name:"destination" default:"." help:"Output directory."`
	CreateDestination bool     `short:"C" help:"Create destination directory if it does not exist."`
	Entries           []string `short:"e" name:"entry" help:"Entry to extract, repeatable. (default: all entries)"`
	Overwrite         bool     `short:"O" help:"Overwrite if exist."`
	Password          string   `short:"p" env:"UNARCHIVE_PASSWORD" help:"Password of an encrypted archive."`
}

// Run implements the extract command
func (c *extractCmd) Run(e *env) error {
	ctx := context.Background()
	data, name, err := readArchive(c.Archive)
	if err != nil {
		return err
	}

	eng, err := e.engine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	if _, err := eng.LoadArchive(ctx, data, name, c.Password, nil); err != nil {
		return errors.Wrapf(err, "cannot load %s", name)
	}

	var files map[string][]byte
	if len(c.Entries) > 0 {
		files, err = eng.ExtractMultiple(ctx, c.Entries, c.Password)
	} else {
		files, err = eng.ExtractAll(ctx, c.Password, nil)
	}

	// write what was extracted, also if some entries failed
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, errors.Wrapf(err, "cannot extract %s", name))
	}
	w := output.NewWriter(output.NewDisk(), c.Destination, c.Overwrite, c.CreateDestination, e.cli.MaxExtractionSize, e.logger())
	n, err := w.WriteFiles(files)
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "cannot write entries"))
	}

	fmt.Fprintf(e.out, "extracted %d files (%d bytes) to %s\n", len(files), n, c.Destination)
	return result.ErrorOrNil()
}
