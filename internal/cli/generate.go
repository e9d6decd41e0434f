package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-unboxing-go/internal/decompiler"
	"github.com/apk-analysis/apk-unboxing-go/internal/packer"
	"github.com/apk-analysis/apk-unboxing-go/internal/unpacker"
	"github.com/apk-analysis/apk-unboxing-go/internal/worker"
)

type generateOptions struct {
	force   bool
	out     string
	seed    int64
	jsonOut bool
}

// generateReport generate 命令的 JSON 输出
type generateReport struct {
	APK     string                   `json:"apk"`
	Skipped bool                     `json:"skipped"`
	Packer  *packer.PackerInfo       `json:"packer,omitempty"`
	Result  *unpacker.AnalysisResult `json:"result,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

func newGenerateCommand(a *app) *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate <apk>...",
		Short: "Decompile APKs and write a standalone unpacker project for each",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.out
			if out == "" {
				out = a.cfg.Generator.OutputRoot
			}

			gen := unpacker.NewGenerator(out, a.logger)
			if cmd.Flags().Changed("seed") {
				gen.WithSeed(opts.seed)
			}
			loader := decompiler.NewJadxLoader(&a.cfg.Decompiler, a.logger)
			orch := worker.NewOrchestrator(nil, loader, packer.NewDetector(a.logger), gen, nil, a.logger)

			force := opts.force || a.cfg.Generator.Force
			failed := 0
			for _, apk := range args {
				report := generateReport{APK: apk}
				outcome, err := orch.Run(cmd.Context(), apk, force)
				if err != nil {
					a.logger.WithError(err).WithField("apk", filepath.Base(apk)).Error("Generation failed")
					report.Error = err.Error()
					failed++
				} else {
					report.Skipped = outcome.Skipped
					report.Packer = outcome.Packer
					report.Result = outcome.Result
				}

				if err := printReport(cmd.OutOrStdout(), &report, opts.jsonOut); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d APKs failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.force, "force", false, "generate even when no Java-level packer is detected")
	cmd.Flags().StringVar(&opts.out, "out", "", "output root directory (default: next to the APK)")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "seed for generated identifier suffixes")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print results as JSON")
	return cmd
}

func printReport(w io.Writer, report *generateReport, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	name := filepath.Base(report.APK)
	switch {
	case report.Error != "":
		fmt.Fprintf(w, "%s: failed: %s\n", name, report.Error)
	case report.Skipped:
		fmt.Fprintf(w, "%s: skipped (%s), use --force to generate anyway\n", name, packer.Summary(report.Packer))
	default:
		fmt.Fprintf(w, "%s: %s\n", name, report.Result.BaseDir)
		fmt.Fprintf(w, "  entry class:        %s\n", report.Result.EntryClass)
		fmt.Fprintf(w, "  recognized imports: %d\n", report.Result.RecognizedImports)
		fmt.Fprintf(w, "  run with:           unboxing execute %s %s\n", report.Result.BaseDir, report.Result.EntryClass)
	}
	return nil
}
