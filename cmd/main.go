package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/osic/engine"
	"github.com/bibin-skaria/osic/exporters"
	"github.com/bibin-skaria/osic/frontends"
	"github.com/bibin-skaria/osic/internal/types"
	"github.com/bibin-skaria/osic/manifest"
	"github.com/bibin-skaria/osic/rpm"

	_ "github.com/bibin-skaria/osic/frontends/yamlspec"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "osic",
		Short: "Open Source Image Compiler - a declarative filesystem image compiler",
		Long: `OSIC compiles declarative image definitions into immutable layers.
Features bundle filesystem and package items into a DAG; each layer is
flattened into a deterministic build plan, applied against its base state
in an isolated scratch area, and promoted into a layer arena. Compiled
layers can be packaged as tar archives, sendstreams or OCI images.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureLogging(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel(), "Log level (debug, info, warn, error)")

	cmd.AddCommand(newPlanCommand())
	cmd.AddCommand(newCompileCommand())
	cmd.AddCommand(newPackageCommand())
	cmd.AddCommand(newListCommand())

	return cmd
}

func configureLogging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	if parsed, err := logrus.ParseLevel(level); err == nil {
		logrus.SetLevel(parsed)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func loadDefinitions(path, frontend string) (*types.Definitions, error) {
	f, err := frontends.GetFrontend(frontend)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions %s: %v", path, err)
	}
	return f.Parse(data)
}

func newPlanCommand() *cobra.Command {
	var (
		layer    string
		arena    string
		frontend string
	)

	cmd := &cobra.Command{
		Use:   "plan [definitions]",
		Short: "Resolve and print the build plan of a layer without compiling it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadDefinitions(args[0], frontend)
			if err != nil {
				return err
			}
			spec, err := defs.Layer(layer)
			if err != nil {
				return err
			}
			store, err := engine.OpenArena(arena)
			if err != nil {
				return err
			}

			compiler := engine.NewCompiler(store, &rpm.None{})
			plan, err := compiler.Plan(spec, defs.Features)
			if err != nil {
				return err
			}

			for wave, indices := range plan.Levels {
				fmt.Printf("wave %d:\n", wave)
				for _, idx := range indices {
					item := plan.Items[idx]
					fmt.Printf("  %s", item.ID())
					if item.Feature != "" {
						fmt.Printf("  [%s]", item.Feature)
					}
					fmt.Println()
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&layer, "layer", "", "Layer to plan (required)")
	cmd.Flags().StringVar(&arena, "arena", defaultArena(), "Layer arena directory")
	cmd.Flags().StringVar(&frontend, "frontend", "yaml", "Declaration frontend")
	cmd.MarkFlagRequired("layer")

	return cmd
}

func newCompileCommand() *cobra.Command {
	var (
		layer       string
		arena       string
		frontend    string
		installer   string
		maxParallel int
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "compile [definitions]",
		Short: "Compile a layer into the arena",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := loadDefinitions(args[0], frontend)
			if err != nil {
				return err
			}
			spec, err := defs.Layer(layer)
			if err != nil {
				return err
			}
			store, err := engine.OpenArena(arena)
			if err != nil {
				return err
			}
			adapter, err := selectInstaller(installer)
			if err != nil {
				return err
			}

			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			compiler := engine.NewCompiler(store, adapter)
			if maxParallel > 0 {
				compiler.MaxParallel = maxParallel
			}
			compiled, err := compiler.Compile(ctx, spec, defs.Features)
			if err != nil {
				return err
			}
			fmt.Printf("Compiled layer %s (%d entries) in %s\n", compiled.ID, len(compiled.Entries), compiled.Root)
			return nil
		},
	}

	cmd.Flags().StringVar(&layer, "layer", "", "Layer to compile (required)")
	cmd.Flags().StringVar(&arena, "arena", defaultArena(), "Layer arena directory")
	cmd.Flags().StringVar(&frontend, "frontend", "yaml", "Declaration frontend")
	cmd.Flags().StringVar(&installer, "installer", "yum", "Package installer adapter (yum, none)")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", engine.DefaultMaxParallel, "Maximum items applied concurrently within a wave")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the compile after this duration (0 for no limit)")
	cmd.MarkFlagRequired("layer")

	return cmd
}

func newPackageCommand() *cobra.Command {
	var (
		layer       string
		arena       string
		format      string
		compression string
		tag         string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "package",
		Short: "Serialize a compiled layer into a portable artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := engine.OpenArena(arena)
			if err != nil {
				return err
			}
			compiled, err := store.Get(layer)
			if err != nil {
				return err
			}
			m, err := manifest.Load(compiled.Root)
			if err != nil {
				return err
			}
			exporter, err := exporters.GetExporter(format)
			if err != nil {
				return err
			}

			if output == "" {
				output = layer + defaultExtension(format, compression)
			}
			err = exporter.Export(compiled, m, exporters.Options{
				OutputPath:  output,
				Compression: compression,
				Tag:         tag,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Packaged layer %s as %s\n", layer, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&layer, "layer", "", "Layer to package (required)")
	cmd.Flags().StringVar(&arena, "arena", defaultArena(), "Layer arena directory")
	cmd.Flags().StringVar(&format, "format", "tar", "Artifact format (tar, sendstream, oci)")
	cmd.Flags().StringVar(&compression, "compression", "none", "Compression for the tar format (none, gzip, zstd)")
	cmd.Flags().StringVar(&tag, "tag", "", "Image tag for the oci format")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path")
	cmd.MarkFlagRequired("layer")

	return cmd
}

func newListCommand() *cobra.Command {
	var arena string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the layers compiled in the arena",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := engine.OpenArena(arena)
			if err != nil {
				return err
			}
			for _, id := range store.List() {
				compiled, err := store.Get(id)
				if err != nil {
					return err
				}
				if compiled.Parent != "" {
					fmt.Printf("%s (parent: %s)\n", id, compiled.Parent)
				} else {
					fmt.Println(id)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&arena, "arena", defaultArena(), "Layer arena directory")
	return cmd
}

func selectInstaller(name string) (rpm.Installer, error) {
	switch name {
	case "yum":
		return rpm.NewYumInstaller(), nil
	case "none":
		return &rpm.None{}, nil
	default:
		return nil, fmt.Errorf("unknown installer %s (want yum or none)", name)
	}
}

func defaultExtension(format, compression string) string {
	switch format {
	case "sendstream":
		return ".sendstream"
	case "oci":
		return ".oci.tar"
	default:
		switch compression {
		case "gzip":
			return ".tar.gz"
		case "zstd":
			return ".tar.zst"
		default:
			return ".tar"
		}
	}
}

func defaultLogLevel() string {
	if level := os.Getenv("OSIC_LOG_LEVEL"); level != "" {
		return level
	}
	return "info"
}

func defaultArena() string {
	if dir := os.Getenv("OSIC_ARENA"); dir != "" {
		return dir
	}
	return ".osic/arena"
}
