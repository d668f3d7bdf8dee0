package main

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/YuehaiTeam/kachina-installer/internal/builder/hasher"
	"github.com/YuehaiTeam/kachina-installer/internal/builder/metadata"
	"github.com/YuehaiTeam/kachina-installer/internal/hashalgo"
	"github.com/YuehaiTeam/kachina-installer/internal/manifest"
)

var cmdGen = &cobra.Command{
	Use:   "gen",
	Short: "Hash an application directory and generate its metadata and patches",
	Long: `
The "gen" command walks an application directory, compresses and
content-addresses every file into a staging directory, and writes a
metadata.json describing the result. When a previous version's directory is
given, it also generates binary patches between matching files and prints a
unified diff of which files changed.

EXIT STATUS
===========

Exit status is 0 if the command was successful, and non-zero if there was any error.
`,
	DisableAutoGenTag: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGen(cmd.Context(), genOptions)
	},
}

type GenOptions struct {
	Jobs        int
	AppDir      string
	MetadataOut string
	PrevAppDir  string
	OutDir      string
	RegName     string
	Tag         string
	Updater     string
}

var genOptions GenOptions

func init() {
	cmdRoot.AddCommand(cmdGen)

	f := cmdGen.Flags()
	f.IntVarP(&genOptions.Jobs, "jobs", "j", 8, "concurrent hashing workers")
	f.StringVarP(&genOptions.AppDir, "input", "i", "", "application directory to hash (required)")
	f.StringVarP(&genOptions.MetadataOut, "metadata", "m", "", "metadata.json output path (required)")
	f.StringVarP(&genOptions.PrevAppDir, "prev-dir", "d", "", "previous version's application directory, for patch generation")
	f.StringVarP(&genOptions.OutDir, "output", "o", "", "content-addressed staging directory (required)")
	f.StringVarP(&genOptions.RegName, "reg-name", "r", "", "registry name; the updater stub is recorded as <reg-name>_updater.exe")
	f.StringVarP(&genOptions.Tag, "tag", "t", "", "version tag")
	f.StringVarP(&genOptions.Updater, "updater", "u", "", "updater stub, hashed and marked installer=true")
	cmdGen.MarkFlagRequired("input")
	cmdGen.MarkFlagRequired("metadata")
	cmdGen.MarkFlagRequired("output")
}

func runGen(ctx context.Context, opts GenOptions) error {
	algo := hashalgo.AlgoXxHash

	results, err := hasher.HashTree(ctx, hasher.Options{
		Root:     opts.AppDir,
		StageDir: opts.OutDir,
		Algo:     algo,
		Ignore:   []string{".kachina/**", "*.tmp"},
		Workers:  opts.Jobs,
	})
	if err != nil {
		return errors.Wrap(err, "hash app directory")
	}
	log.Infof("hashed %d files from %s", len(results), opts.AppDir)

	var patches []metadata.PatchPair
	var deletes []string
	if opts.PrevAppDir != "" {
		patches, deletes, err = generatePatches(ctx, opts, results, algo)
		if err != nil {
			return err
		}
	}

	var installerRef *manifest.InstallerRef
	if opts.Updater != "" {
		data, err := os.ReadFile(opts.Updater)
		if err != nil {
			return errors.Wrap(err, "read updater stub")
		}
		h := hashalgo.Compute(algo, data)
		staged := opts.OutDir + "/" + h.String()
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return errors.Wrap(err, "create zstd encoder")
		}
		compressed := enc.EncodeAll(data, nil)
		enc.Close()
		if err := os.WriteFile(staged, compressed, 0o644); err != nil {
			return errors.Wrap(err, "stage updater stub")
		}
		installerRef = &manifest.InstallerRef{Size: uint64(len(data)), Hash: h}
		results = append(results, hasher.Result{
			RelPath:      opts.RegName + "_updater.exe",
			Hash:         h,
			OriginalSize: int64(len(data)),
			Installer:    true,
		})
	}

	m := metadata.Assemble(opts.Tag, algo, results, patches, installerRef)
	m.Deletes = deletes
	if err := manifest.Validate(m); err != nil {
		return errors.Wrap(err, "generated manifest failed validation")
	}

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode metadata")
	}
	if err := os.WriteFile(opts.MetadataOut, out, 0o644); err != nil {
		return errors.Wrap(err, "write metadata")
	}
	log.Infof("wrote %s", opts.MetadataOut)
	return nil
}

// generatePatches diffs the current hash results against a previous
// version's directory: any file present in both with a different hash gets
// a patch, and prints the changed-file set as a unified diff for operator
// visibility.
func generatePatches(ctx context.Context, opts GenOptions, results []hasher.Result, algo hashalgo.Algorithm) ([]metadata.PatchPair, []string, error) {
	prevResults, err := hasher.HashTree(ctx, hasher.Options{
		Root:     opts.PrevAppDir,
		StageDir: opts.OutDir + "/.prev-stage",
		Algo:     algo,
		Workers:  opts.Jobs,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "hash previous app directory")
	}
	prevByPath := make(map[string]hasher.Result, len(prevResults))
	for _, r := range prevResults {
		prevByPath[r.RelPath] = r
	}
	curByPath := make(map[string]hasher.Result, len(results))
	for _, r := range results {
		curByPath[r.RelPath] = r
	}

	var patches []metadata.PatchPair
	var deletes []string
	var changed, removed, added []string

	for path, cur := range curByPath {
		prev, ok := prevByPath[path]
		if !ok {
			added = append(added, path)
			continue
		}
		if prev.Hash.Equal(cur.Hash) {
			continue
		}
		changed = append(changed, path)

		fromData, err := os.ReadFile(opts.PrevAppDir + "/" + path)
		if err != nil {
			return nil, nil, err
		}
		toData, err := os.ReadFile(opts.AppDir + "/" + path)
		if err != nil {
			return nil, nil, err
		}
		patchBytes, err := metadata.GeneratePatch(fromData, toData)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "generate patch for %s", path)
		}
		blobName := metadata.PatchBlobName(prev.Hash, cur.Hash)
		if err := os.WriteFile(opts.OutDir+"/"+blobName, patchBytes, 0o644); err != nil {
			return nil, nil, err
		}
		patches = append(patches, metadata.PatchPair{From: prev.Hash, To: cur.Hash, Size: int64(len(patchBytes))})
	}
	for path := range prevByPath {
		if _, ok := curByPath[path]; !ok {
			removed = append(removed, path)
			deletes = append(deletes, path)
		}
	}

	printFileListDiff(added, removed, changed)
	return patches, deletes, nil
}

func printFileListDiff(added, removed, changed []string) {
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)

	prevLines := append(append([]string{}, removed...), changed...)
	curLines := append(append([]string{}, added...), changed...)
	sort.Strings(prevLines)
	sort.Strings(curLines)

	diff := difflib.UnifiedDiff{
		A:        prevLines,
		B:        curLines,
		FromFile: "previous",
		ToFile:   "current",
		Context:  0,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil || strings.TrimSpace(text) == "" {
		return
	}
	log.Info("changed files:\n" + text)
}
