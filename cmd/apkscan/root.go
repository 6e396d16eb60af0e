package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/apk-analysis/apk-adware-scan/internal/config"
	"github.com/apk-analysis/apk-adware-scan/internal/detection"
	"github.com/apk-analysis/apk-adware-scan/internal/domain"
	"github.com/apk-analysis/apk-adware-scan/internal/report"
	"github.com/apk-analysis/apk-adware-scan/internal/staticanalysis"
	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const maxListedPermissions = 20

type options struct {
	aaptPath  string
	reportDir string
	seed      int64
	timeout   time.Duration
	jsonOut   bool
	noBanner  bool
	verbose   bool
}

// scanOutcome 单个 APK 的检测结果
type scanOutcome struct {
	Manifest   *staticanalysis.ManifestInfo `json:"manifest,omitempty"`
	Verdict    domain.Verdict               `json:"verdict"`
	Prediction string                       `json:"prediction"`
	Monitored  int                          `json:"monitored_count"`
	Matched    []string                     `json:"matched_rules,omitempty"`
	Error      string                       `json:"error,omitempty"`
	ReportPath string                       `json:"report_path,omitempty"`
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "apkscan <file.apk>",
		Short: "Static adware scan of a single APK",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&opts.aaptPath, "aapt", "aapt2", "Path to the aapt2 binary")
	cmd.Flags().StringVarP(&opts.reportDir, "report-dir", "r", "", "Write a PDF report here when adware is detected")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "Confidence random seed (0 = time based)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "aapt2 timeout")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&opts.noBanner, "no-banner", false, "Do not print the banner")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Debug logging")

	return cmd
}

func run(ctx context.Context, out io.Writer, apkPath string, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(apkPath); err != nil {
		return fmt.Errorf("cannot read %s: %w", apkPath, err)
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger := config.InitLogger(&config.LogConfig{Level: level, Format: "text"})
	logger.SetOutput(os.Stderr)

	extractor := staticanalysis.NewAaptExtractor(staticanalysis.Options{
		Enabled:  true,
		AaptPath: opts.aaptPath,
		Timeout:  opts.timeout,
	}, logger)
	engine := detection.NewSeededEngine(opts.seed)

	outcome := scan(ctx, extractor, engine, apkPath)

	if outcome.Verdict.IsAdware() && opts.reportDir != "" {
		path, err := writeReport(ctx, opts.reportDir, apkPath, outcome, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to write PDF report")
		} else {
			outcome.ReportPath = path
		}
	}

	if opts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}

	if !opts.noBanner {
		printBanner(out)
	}
	printOutcome(out, apkPath, outcome)
	return nil
}

// inspector 提取 APK 清单信息
type inspector interface {
	Inspect(ctx context.Context, apkPath string) (*staticanalysis.ManifestInfo, error)
}

func scan(ctx context.Context, ins inspector, engine *detection.Engine, apkPath string) *scanOutcome {
	info, err := ins.Inspect(ctx, apkPath)
	if err == nil && len(info.Permissions) == 0 {
		err = domain.ErrExtractionFailed
	}
	if err != nil {
		v := domain.AnalysisErrorVerdict()
		return &scanOutcome{
			Manifest:   info,
			Verdict:    v,
			Prediction: v.Prediction(),
			Error:      err.Error(),
		}
	}

	analysis := engine.Analyze(detection.NewPermissionSet(info.Permissions))
	return &scanOutcome{
		Manifest:   info,
		Verdict:    analysis.Verdict,
		Prediction: analysis.Verdict.Prediction(),
		Monitored:  analysis.MonitoredCount,
		Matched:    analysis.MatchedRules,
	}
}

func writeReport(ctx context.Context, dir, apkPath string, outcome *scanOutcome, logger *logrus.Logger) (string, error) {
	now := time.Now().UTC()
	verdict := outcome.Verdict
	rec := domain.NewScanRecord(uuid.New().String(), filepath.Base(apkPath), apkPath, now)
	rec.Status = domain.ScanStatusCompleted
	rec.Progress = domain.ProgressDone
	rec.Verdict = &verdict
	rec.CompletedAt = &now
	if outcome.Manifest != nil {
		rec.Permissions = outcome.Manifest.Permissions
	}

	artifact, err := report.NewPDFGenerator(dir, logger).Generate(ctx, rec)
	if err != nil {
		return "", err
	}
	return artifact.Path, nil
}

func printBanner(out io.Writer) {
	banner := figure.NewFigure("APKSCAN", "doom", true)
	color.New(color.FgRed).Fprintln(out, banner.String())

	cyan := color.New(color.FgCyan)
	cyan.Fprintln(out, "════════════════════════════════════════════════")
	color.New(color.FgGreen).Fprintln(out, "    Static Adware Scan | permission heuristics")
	cyan.Fprintln(out, "════════════════════════════════════════════════")
}

func printOutcome(out io.Writer, apkPath string, o *scanOutcome) {
	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	fmt.Fprintf(out, "File:        %s\n", filepath.Base(apkPath))
	if m := o.Manifest; m != nil {
		fmt.Fprintf(out, "Size:        %d bytes\n", m.FileSize)
		if m.SHA256 != "" {
			fmt.Fprintf(out, "SHA256:      %s\n", m.SHA256)
		}
		if m.PackageName != "" {
			fmt.Fprintf(out, "Package:     %s %s\n", m.PackageName, m.VersionName)
		}
	}
	fmt.Fprintln(out)

	verdictColor := color.New(color.FgYellow, color.Bold)
	switch o.Verdict.Kind {
	case domain.VerdictAdwareDetected:
		verdictColor = color.New(color.FgRed, color.Bold)
	case domain.VerdictNoAdwareDetected:
		verdictColor = color.New(color.FgGreen, color.Bold)
	}

	bold.Fprint(out, "Verdict:     ")
	verdictColor.Fprintln(out, o.Prediction)
	fmt.Fprintf(out, "Confidence:  %.1f%%\n", o.Verdict.Confidence*100)

	if o.Error != "" {
		fmt.Fprintf(out, "Error:       %s\n", o.Error)
		return
	}

	fmt.Fprintf(out, "Monitored:   %d\n", o.Monitored)
	for _, rule := range o.Matched {
		fmt.Fprintf(out, "Rule:        %s\n", rule)
	}

	perms := o.Manifest.Permissions
	fmt.Fprintf(out, "\nPermissions (%d):\n", len(perms))
	for i, p := range perms {
		if i == maxListedPermissions {
			faint.Fprintf(out, "  ... and %d more\n", len(perms)-maxListedPermissions)
			break
		}
		fmt.Fprintf(out, "  - %s\n", p)
	}

	if o.ReportPath != "" {
		fmt.Fprintf(out, "\nReport:      %s\n", o.ReportPath)
	}
}
