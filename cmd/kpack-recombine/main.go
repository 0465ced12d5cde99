// Command kpack-recombine merges per-architecture pack shards produced by
// independent kpack-pack runs into architecture-group packages: one
// generic artifact per component, plus one artifact per architecture
// group containing the device code for every architecture in that group.
package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xyproto/kpacktool/internal/kpackconfig"
	"github.com/xyproto/kpacktool/internal/kperr"
	"github.com/xyproto/kpacktool/internal/recombine"
)

var (
	shardsDir  string
	configPath string
	outputDir  string
	component  string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "kpack-recombine",
		Short: "Merge per-architecture pack shards into architecture-group packages",
		RunE:  run,
	}

	root.Flags().StringVar(&shardsDir, "input-shards-dir", "", "directory containing one subdirectory per shard (required)")
	root.Flags().StringVar(&configPath, "config", "", "JSON file naming the primary shard and architecture groups (required)")
	root.Flags().StringVar(&outputDir, "output-dir", "", "destination for the combined artifacts (required)")
	root.Flags().StringVar(&component, "component", "", "restrict combining to a single component (default: all)")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	_ = root.MarkFlagRequired("input-shards-dir")
	_ = root.MarkFlagRequired("config")
	_ = root.MarkFlagRequired("output-dir")

	if err := root.Execute(); err != nil {
		if kerr, ok := kperr.As(err); ok && kerr.Kind == kperr.InputInvalid {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stderr)
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := kpackconfig.Load(configPath)
	if err != nil {
		return err
	}

	col, err := recombine.Collect(shardsDir, cfg.PrimaryShard, logger)
	if err != nil {
		return err
	}

	if component != "" {
		col = filterComponent(col, component)
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return kperr.Wrap(kperr.IO, "kpack-recombine", err).WithPath(outputDir)
	}

	return recombine.Combine(col, cfg, outputDir, logger)
}

func filterComponent(col *recombine.Collection, comp string) *recombine.Collection {
	out := &recombine.Collection{
		Generics: make(map[string]recombine.GenericArtifact),
		Archs:    make(map[string]map[string]recombine.ArchArtifact),
	}
	if g, ok := col.Generics[comp]; ok {
		out.Generics[comp] = g
	}
	if a, ok := col.Archs[comp]; ok {
		out.Archs[comp] = a
	}
	return out
}
