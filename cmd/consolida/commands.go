package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/consolida/internal/api"
	"github.com/kalambet/consolida/internal/archive"
	"github.com/kalambet/consolida/internal/config"
	"github.com/kalambet/consolida/internal/dataset"
	"github.com/kalambet/consolida/internal/export"
	"github.com/kalambet/consolida/internal/pipeline"
	"github.com/kalambet/consolida/internal/storage"
	"github.com/kalambet/consolida/internal/telemetry"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <archive>",
	Short: "Consolidate an archive locally and print or save the result",
	Long: `Consolidate an archive in this process, without the server.

Examples:
  consolida run ./folha_maio.zip
  consolida run https://example.com/folha.zip -o consolidado.xlsx
  consolida run ./folha.zip --join inner --no-fallback -o out.parquet`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		join, _ := cmd.Flags().GetString("join")
		noFallback, _ := cmd.Flags().GetBool("no-fallback")
		showProgram, _ := cmd.Flags().GetBool("show-program")

		if output != "" {
			if _, err := export.FormatFor(output); err != nil {
				return err
			}
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg)

		ctx := cmd.Context()
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: "consolida",
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer tp.Shutdown(context.Background())

		if err := ensureOracle(ctx, cfg, os.Stderr); err != nil {
			return err
		}
		comp, err := build(ctx, cfg, buildOptions{join: join, noFallback: noFallback}, logger)
		if err != nil {
			return err
		}

		printStep("Consolidating %s", args[0])
		rep, err := comp.pipeline.Run(ctx, args[0])
		if err != nil {
			f := pipeline.Classify(err)
			return fmt.Errorf("%s: %s", f.Kind, f.Message)
		}
		printReport(rep)
		if showProgram && rep.Program != "" {
			fmt.Fprintln(os.Stderr, rep.Program)
		}

		if output == "" {
			fmt.Println(rep.Table.String())
			return nil
		}
		if err := export.WriteFile(output, rep.Table); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		printSuccess("Wrote %d rows to %s", rep.Table.Len(), output)
		return nil
	},
}

func init() {
	runCmd.Flags().StringP("output", "o", "", "write the table to a .csv, .xlsx or .parquet file")
	runCmd.Flags().String("join", "", "join mode for the key-overlap merge (inner, outer, left, right)")
	runCmd.Flags().Bool("no-fallback", false, "fail instead of merging on shared columns when generation is exhausted")
	runCmd.Flags().Bool("show-program", false, "print the accepted consolidation program")
}

func printReport(rep *pipeline.Report) {
	printSuccess("Consolidated %d rows x %d columns (%s, %d attempts, %s)",
		rep.Table.Len(), rep.Table.NumColumns(), rep.Strategy, rep.Attempts, rep.Duration.Round(time.Millisecond))
	v := rep.Validation
	switch {
	case v.Skipped:
		printWarning("Rules not checked: %s", v.Reason)
	case len(v.MissingColumns) > 0:
		printWarning("Missing required columns: %s", strings.Join(v.MissingColumns, ", "))
	default:
		printStatus("Rules", "all %d required columns present", len(v.Rules.Required))
	}
	for col, n := range v.EmptyCells {
		printWarning("%d empty cells in %s", n, col)
	}
}

// --- inspect ---

var inspectCmd = &cobra.Command{
	Use:   "inspect <archive>",
	Short: "Show the tables found in an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := setupLogging(cfg)
		ing := archive.New(archive.Options{
			FetchTimeout: config.Duration(cfg.Ingest.FetchTimeout, time.Minute),
			MaxBytes:     int64(cfg.Ingest.MaxArchiveBytes),
			Logger:       logger,
		})

		datasets, err := ing.Ingest(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		samples := dataset.Summarize(datasets)
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(samples)
		}
		printSamples(os.Stdout, samples)
		return nil
	},
}

func init() {
	inspectCmd.Flags().Bool("json", false, "print samples as JSON")
}

func printSamples(w io.Writer, samples []dataset.Sample) {
	if len(samples) == 0 {
		fmt.Fprintln(w, "no spreadsheets found")
		return
	}
	for _, s := range samples {
		fmt.Fprintf(w, "%s [%d] %s\n", colorize(colorBold, s.SourceName), s.Index, s.SchemaInfo)
		fmt.Fprintf(w, "  %d rows, columns: %s\n", s.RowCount, strings.Join(s.Columns, ", "))
		if s.Preview != "" {
			for _, line := range strings.Split(strings.TrimRight(s.Preview, "\n"), "\n") {
				fmt.Fprintf(w, "  %s\n", line)
			}
		}
		fmt.Fprintln(w)
	}
}

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit <archive>",
	Short: "Queue an archive on the running server",
	Long: `Queue an archive on the running server.

A local file is uploaded; a URL or server-side path is passed as is.

Examples:
  consolida submit ./folha_maio.zip --wait
  consolida submit https://example.com/folha.zip`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		remotePath, _ := cmd.Flags().GetBool("server-path")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		id, err := submitSource(ctx, client, args[0], !remotePath)
		if err != nil {
			return err
		}
		printSuccess("Queued run %s", id)
		if !wait {
			return nil
		}

		printStep("Waiting for run %s", id)
		detail, err := waitForRun(ctx, client, id, time.Second)
		if err != nil {
			return err
		}
		printRunDetail(os.Stderr, detail)
		if detail.Status == storage.RunFailed {
			return fmt.Errorf("run %s failed: %s", id, detail.LastError)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().Bool("wait", false, "wait for the run to finish")
	submitCmd.Flags().Bool("server-path", false, "treat the argument as a path on the server instead of uploading it")
}

// submitSource uploads a local archive, or queues source by reference when
// it is a URL or upload is false.
func submitSource(ctx context.Context, client *apiClient, source string, upload bool) (string, error) {
	var result map[string]string
	if upload && !archive.IsRemote(source) {
		data, err := os.ReadFile(source)
		if err != nil {
			return "", fmt.Errorf("reading archive: %w", err)
		}
		resp, err := client.upload(ctx, filepath.Base(source), data)
		if err != nil {
			return "", err
		}
		if err := decodeJSON(resp, &result); err != nil {
			return "", err
		}
		return result["id"], nil
	}

	resp, err := client.post(ctx, "/consolidations", api.SubmitRequest{Source: source})
	if err != nil {
		return "", err
	}
	if err := decodeJSON(resp, &result); err != nil {
		return "", err
	}
	return result["id"], nil
}

func fetchRun(ctx context.Context, client *apiClient, id string) (api.RunDetail, error) {
	var detail api.RunDetail
	resp, err := client.get(ctx, "/consolidations/"+id)
	if err != nil {
		return detail, err
	}
	err = decodeJSON(resp, &detail)
	return detail, err
}

func waitForRun(ctx context.Context, client *apiClient, id string, interval time.Duration) (api.RunDetail, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := fetchRun(ctx, client, id)
		if err != nil {
			return detail, err
		}
		if detail.Status == storage.RunSucceeded || detail.Status == storage.RunFailed {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return detail, ctx.Err()
		case <-ticker.C:
		}
	}
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Browse consolidation runs on the server",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/consolidations?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}
		var runs []storage.Run
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a run and its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		showPrograms, _ := cmd.Flags().GetBool("programs")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		detail, err := fetchRun(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printRunDetail(os.Stdout, detail)
		if showPrograms {
			for _, a := range detail.History {
				fmt.Printf("\n--- attempt %d ---\n%s\n", a.Number, a.Program)
			}
		}
		return nil
	},
}

var runsOutputCmd = &cobra.Command{
	Use:   "output <id>",
	Short: "Download the CSV produced by a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var w io.Writer = os.Stdout
		if dest != "" {
			f, err := os.Create(dest)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		n, err := downloadOutput(cmd.Context(), client, args[0], w)
		if err != nil {
			if dest != "" {
				os.Remove(dest)
			}
			return err
		}
		if dest != "" {
			printSuccess("Wrote %d bytes to %s", n, dest)
		}
		return nil
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 20, "maximum number of runs")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")
	runsShowCmd.Flags().Bool("programs", false, "print the program of every attempt")
	runsOutputCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsOutputCmd)
}

func downloadOutput(ctx context.Context, client *apiClient, id string, w io.Writer) (int64, error) {
	resp, err := client.get(ctx, "/consolidations/"+id+"/output")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return io.Copy(w, resp.Body)
}

func printRuns(w io.Writer, runs []storage.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTRATEGY\tROWS\tCREATED\tSOURCE")
	for _, r := range runs {
		strategy := r.Strategy
		if strategy == "" {
			strategy = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, colorize(statusColor(r.Status), r.Status), strategy, r.Rows,
			r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Source)
	}
	tw.Flush()
}

func printRunDetail(w io.Writer, d api.RunDetail) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, d.ID), colorize(statusColor(d.Status), d.Status))
	fmt.Fprintf(w, "  source:   %s (%s)\n", d.Source, d.Trigger)
	if d.Strategy != "" {
		fmt.Fprintf(w, "  strategy: %s after %d attempts\n", d.Strategy, d.Attempts)
	}
	if d.Status == storage.RunSucceeded {
		fmt.Fprintf(w, "  table:    %d rows x %d columns\n", d.Rows, d.Columns)
	}
	if d.FailureKind != "" {
		fmt.Fprintf(w, "  failure:  %s\n", d.FailureKind)
	}
	if d.LastError != "" {
		fmt.Fprintf(w, "  error:    %s\n", firstLine(d.LastError))
	}
	for _, a := range d.History {
		mark := colorize(colorGreen, "ok")
		if a.Error != "" {
			mark = colorize(colorRed, firstLine(a.Error))
		}
		fmt.Fprintf(w, "  #%-2d %6dms  %s\n", a.Number, a.DurationMs, mark)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the rule set results are checked against",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		src, err := ruleSource(cfg)
		if err != nil {
			return err
		}
		rs, err := src.Fetch(cmd.Context())
		if err != nil {
			return fmt.Errorf("fetching rules: %w", err)
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rs)
		}
		fmt.Println(colorize(colorBold, "Required columns:"))
		for _, c := range rs.Required {
			fmt.Printf("  - %s\n", c)
		}
		fmt.Println(colorize(colorBold, "Rules:"))
		for _, r := range rs.Constraints {
			fmt.Printf("  - %s\n", r)
		}
		return nil
	},
}

func init() {
	rulesCmd.Flags().Bool("json", false, "print the rule set as JSON")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			if errors.Is(err, config.ErrUnknownKey) {
				return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
			}
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
