package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/YuehaiTeam/kachina-installer/internal/builder/metadata"
	"github.com/YuehaiTeam/kachina-installer/internal/builder/packer"
	"github.com/YuehaiTeam/kachina-installer/internal/manifest"
)

var cmdPack = &cobra.Command{
	Use:   "pack",
	Short: "Assemble a stub, config, theme, metadata, and hashed payloads into a package",
	Long: `
The "pack" command streams a stub executable, the config/theme/metadata
segments, and the payloads a metadata file lists (its hashed files and
its patch blobs, read from the hashed directory) into one
self-addressable output file.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPack(packOptions)
	},
}

type PackOptions struct {
	ConfigPath   string
	MetadataPath string
	HashedDir    string
	Output       string
	Stub         string
	Icon         string
	Theme        string
}

var packOptions PackOptions

func init() {
	cmdRoot.AddCommand(cmdPack)

	f := cmdPack.Flags()
	f.StringVarP(&packOptions.ConfigPath, "config", "c", "", "config json (required)")
	f.StringVarP(&packOptions.MetadataPath, "metadata", "m", "", "metadata json produced by 'gen'")
	f.StringVarP(&packOptions.HashedDir, "hashed-dir", "d", "", "content-addressed staging directory produced by 'gen'")
	f.StringVarP(&packOptions.Output, "output", "o", "", "output package path (required)")
	f.StringVar(&packOptions.Stub, "stub", "", "installer/updater stub executable (required)")
	f.StringVar(&packOptions.Icon, "icon", "", "custom .ico for the stub")
	f.StringVar(&packOptions.Theme, "theme", "", "custom .css or .webp theme asset")
	cmdPack.MarkFlagRequired("config")
	cmdPack.MarkFlagRequired("output")
	cmdPack.MarkFlagRequired("stub")
}

func runPack(opts PackOptions) error {
	config, err := os.ReadFile(opts.ConfigPath)
	if err != nil {
		return errors.Wrap(err, "read config")
	}

	var meta []byte
	var payloads []packer.Payload
	if opts.MetadataPath != "" {
		meta, err = os.ReadFile(opts.MetadataPath)
		if err != nil {
			return errors.Wrap(err, "read metadata")
		}
		var m struct {
			Hashed []struct {
				MD5 *string `json:"md5"`
				XxH *string `json:"xxh"`
			} `json:"hashed"`
		}
		if err := json.Unmarshal(meta, &m); err != nil {
			return errors.Wrap(err, "parse metadata for payload list")
		}
		if opts.HashedDir == "" {
			return errors.New("-d/--hashed-dir is required when -m/--metadata is given")
		}
		for _, h := range m.Hashed {
			name := ""
			switch {
			case h.MD5 != nil:
				name = *h.MD5
			case h.XxH != nil:
				name = *h.XxH
			}
			if name == "" {
				continue
			}
			payloads = append(payloads, packer.Payload{Name: name, StagedPath: opts.HashedDir + "/" + name})
		}
		var full manifest.Manifest
		if err := json.Unmarshal(meta, &full); err != nil {
			return errors.Wrap(err, "parse metadata for patch list")
		}
		for _, p := range full.Patches {
			name := metadata.PatchBlobName(p.From, p.To)
			payloads = append(payloads, packer.Payload{Name: name, StagedPath: opts.HashedDir + "/" + name})
		}
	}

	var theme []byte
	if opts.Theme != "" {
		theme, err = os.ReadFile(opts.Theme)
		if err != nil {
			return errors.Wrap(err, "read theme asset")
		}
	}

	log.Infof("packing %d payloads into %s", len(payloads), opts.Output)
	return packer.Pack(packer.Options{
		StubPath:   opts.Stub,
		OutputPath: opts.Output,
		Config:     config,
		Theme:      theme,
		Meta:       meta,
		Payloads:   payloads,
	})
}
