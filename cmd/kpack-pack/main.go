// Command kpack-pack walks a GPU software distribution and separates
// host binaries from device code: every GPU kernel embedded in a bundled
// binary is extracted into a shared, content-addressed .kpack archive,
// and a rewritten copy of the binary, carrying a marker referencing that
// archive, is written to the output tree.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xyproto/kpacktool/internal/database"
	"github.com/xyproto/kpacktool/internal/kpack"
	"github.com/xyproto/kpacktool/internal/kpcompress"
	"github.com/xyproto/kpacktool/internal/kperr"
	"github.com/xyproto/kpacktool/internal/packvisitor"
	"github.com/xyproto/kpacktool/internal/scanner"
	"github.com/xyproto/kpacktool/internal/toolchain"
)

var (
	inputDir      string
	outputDir     string
	groupName     string
	gfxArchFamily string
	gfxArches     []string
	bundlerPath   string
	objcopyPath   string
	jobs          int
	compression   string
	dbHandlers    []string
	verbose       bool
)

func main() {
	root := &cobra.Command{
		Use:   "kpack-pack",
		Short: "Separate host binaries from GPU device code into a kpack archive",
		RunE:  run,
	}

	root.Flags().StringVar(&inputDir, "input", "", "root of the install tree to repackage (required)")
	root.Flags().StringVar(&outputDir, "output", "", "destination root for the rewritten tree (required)")
	root.Flags().StringVar(&groupName, "group-name", "", "logical name for the produced kpack archive (required)")
	root.Flags().StringVar(&gfxArchFamily, "gfx-arch-family", "", "architecture family label embedded in the archive filename (required)")
	root.Flags().StringSliceVar(&gfxArches, "gfx-arches", nil, "architectures expected in this shard, comma-separated")
	root.Flags().StringVar(&bundlerPath, "bundler-path", "", "path to clang-offload-bundler (default: PATH lookup)")
	root.Flags().StringVar(&objcopyPath, "objcopy-path", "", "path to objcopy (default: PATH lookup)")
	root.Flags().IntVar(&jobs, "jobs", 0, "maximum concurrent classification tasks (0 = unbounded)")
	root.Flags().StringVar(&compression, "compression", "zstd-per-kernel", "kpack compression scheme: none or zstd-per-kernel")
	root.Flags().StringSliceVar(&dbHandlers, "database-handlers", database.ListAvailable(), "kernel-database recognizers to enable")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	_ = root.MarkFlagRequired("input")
	_ = root.MarkFlagRequired("output")
	_ = root.MarkFlagRequired("group-name")
	_ = root.MarkFlagRequired("gfx-arch-family")

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

	recognizers, err := database.Get(dbHandlers)
	if err != nil {
		return err
	}

	compressor, err := kpcompress.New(compression)
	if err != nil {
		return err
	}

	archive := kpack.New(groupName, gfxArchFamily, gfxArches, compressor)

	tc := toolchain.New(bundlerPath, objcopyPath, logger)

	visitor := packvisitor.NewVisitor(packvisitor.Config{
		InputRoot:     inputDir,
		OutputRoot:    outputDir,
		GroupName:     groupName,
		GfxArchFamily: gfxArchFamily,
		GfxArches:     gfxArches,
		Toolchain:     tc,
		Log:           logger,
	}, archive)

	sc := &scanner.Scanner{
		Root:        inputDir,
		Recognizers: recognizers,
		Toolchain:   tc,
		Visitor:     visitor,
		JobLimit:    jobs,
	}

	ctx := context.Background()
	if err := sc.Run(ctx); err != nil {
		return err
	}

	outPath, err := visitor.Finalize()
	if err != nil {
		return err
	}
	logger.Info("packed archive", "path", outPath, "visited", visitor.VisitedCount())
	fmt.Fprintln(cmd.OutOrStdout(), outPath)
	return nil
}
