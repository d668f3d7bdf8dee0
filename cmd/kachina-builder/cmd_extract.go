package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/YuehaiTeam/kachina-installer/internal/fs"
	"github.com/YuehaiTeam/kachina-installer/internal/kacpkg"
)

var cmdExtract = &cobra.Command{
	Use:   "extract",
	Short: "Inspect or extract payloads from a built package",
	Long: `
The "extract" command opens a package built by "pack" and either lists its
segments and index entries, dumps every payload, or extracts a single named
segment or payload.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(extractOptions)
	},
}

type ExtractOptions struct {
	Input    string
	List     bool
	All      string
	MetaName string
	Name     string
}

var extractOptions ExtractOptions

func init() {
	cmdRoot.AddCommand(cmdExtract)

	f := cmdExtract.Flags()
	f.StringVarP(&extractOptions.Input, "input", "i", "", "package file to inspect (required)")
	f.BoolVar(&extractOptions.List, "list", false, "list segments and index entries")
	f.StringVar(&extractOptions.All, "all", "", "extract every payload into this directory")
	f.StringVar(&extractOptions.MetaName, "meta-name", "", "print the named segment (config/theme/meta/index)")
	f.StringVar(&extractOptions.Name, "name", "", "extract the payload with this content-hash name")
	cmdExtract.MarkFlagRequired("input")
}

func runExtract(opts ExtractOptions) error {
	reader, err := kacpkg.OpenSelf(opts.Input)
	if err != nil {
		return errors.Wrap(err, "open package")
	}
	defer reader.Close()

	switch {
	case opts.List:
		return listPackage(reader)
	case opts.All != "":
		return extractAll(reader, opts.All)
	case opts.MetaName != "":
		return printSegment(reader, opts.MetaName)
	case opts.Name != "":
		return extractOne(reader, opts.Name, opts.Name)
	default:
		return errors.New("one of --list, --all, --meta-name, --name is required")
	}
}

func listPackage(r *kacpkg.SelfReader) error {
	log.Infof("payload_start=%d config=%dB theme=%dB index=%dB meta=%dB",
		r.Parsed.Footer.PayloadStart, r.Parsed.Footer.ConfigSize, r.Parsed.Footer.ThemeSize,
		r.Parsed.Footer.IndexSize, r.Parsed.Footer.MetadataSize)
	for name, e := range r.Parsed.Index {
		log.Infof("  %s  size=%d offset=%d", name, e.Size, e.Offset)
	}
	return nil
}

func extractAll(r *kacpkg.SelfReader, dir string) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for name := range r.Parsed.Index {
		if err := extractOne(r, name, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func printSegment(r *kacpkg.SelfReader, name string) error {
	seg, ok := r.Parsed.Segments["\x00"+strings.ToUpper(name)]
	if !ok {
		return errors.Errorf("segment %q not found", name)
	}
	os.Stdout.Write(seg)
	return nil
}

func extractOne(r *kacpkg.SelfReader, name, outPath string) error {
	data, err := r.ReadPayload(name)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}
