package commands

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/runicorn/runicorn/errors"
	"github.com/runicorn/runicorn/storage"
)

// ExportDataCmd writes run listings as CSV or JSON for external analysis.
var ExportDataCmd = &cobra.Command{
	Use:   "export-data",
	Short: "Export run listings as CSV or JSON",
	RunE:  runExportData,
}

var (
	exportDataPath   string
	exportDataFormat string
	exportDataOut    string
)

func init() {
	ExportDataCmd.Flags().StringVar(&exportDataPath, "path", "", "Restrict to runs under this path")
	ExportDataCmd.Flags().StringVar(&exportDataFormat, "format", "csv", "Output format: csv or json")
	ExportDataCmd.Flags().StringVarP(&exportDataOut, "output", "o", "", "Output file (default stdout)")
}

func runExportData(cmd *cobra.Command, args []string) error {
	if exportDataFormat != "csv" && exportDataFormat != "json" {
		return UsageError(errors.Newf("unknown format %q", exportDataFormat))
	}
	if exportDataPath != "" {
		if err := storage.ValidatePath(exportDataPath); err != nil {
			return UsageError(err)
		}
	}

	env, err := openStorageEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	var runs []*storage.Run
	page := 1
	for {
		batch, _, err := env.Store.List(ctx, storage.ListFilter{
			Path: exportDataPath, Page: page, PerPage: 500,
		})
		if err != nil {
			return err
		}
		runs = append(runs, batch...)
		if len(batch) < 500 {
			break
		}
		page++
	}

	out := os.Stdout
	if exportDataOut != "" {
		f, err := os.Create(exportDataOut)
		if err != nil {
			return errors.Wrap(err, "create output file")
		}
		defer f.Close()
		out = f
	}

	if exportDataFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			return errors.Wrap(err, "encode runs")
		}
	} else {
		cw := csv.NewWriter(out)
		cw.Write([]string{
			"run_id", "path", "alias", "status", "created_at", "updated_at",
			"duration_seconds", "best_metric_name", "best_metric_value",
			"best_metric_step", "metric_count",
		})
		for _, run := range runs {
			cw.Write([]string{
				run.RunID, run.Path, run.Alias, run.Status,
				strconv.FormatFloat(run.CreatedAt, 'f', -1, 64),
				strconv.FormatFloat(run.UpdatedAt, 'f', -1, 64),
				floatPtrField(run.DurationSeconds),
				run.BestMetricName,
				floatPtrField(run.BestMetricValue),
				intPtrField(run.BestMetricStep),
				strconv.FormatInt(run.MetricCount, 10),
			})
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return errors.Wrap(err, "write csv")
		}
	}

	if exportDataOut != "" {
		pterm.Success.Printf("Wrote %d runs to %s\n", len(runs), exportDataOut)
	}
	return nil
}

func floatPtrField(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func intPtrField(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
