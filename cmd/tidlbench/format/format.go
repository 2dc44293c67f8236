// Package format renders latency reports for the CLI.
package format

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/tidlbench/tidlbench/internal/stats"
)

// OutputFormat determines how results are displayed.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
)

// Parse resolves an output format name, defaulting to table.
func Parse(name string) OutputFormat {
	switch name {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	default:
		return FormatTable
	}
}

// Report renders a latency report to stdout in the given format. The
// `latency` key leads; the remaining categories follow alphabetically.
func Report(f OutputFormat, report stats.Report) error {
	return ReportTo(os.Stdout, f, report)
}

// ReportTo renders a latency report to the given writer.
func ReportTo(w io.Writer, f OutputFormat, report stats.Report) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case FormatCSV:
		headers, row := reportRows(report)
		cw := csv.NewWriter(w)
		if err := cw.Write(headers); err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	default:
		keys, vals := reportRows(report)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CATEGORY\tMILLISECONDS")
		fmt.Fprintln(tw, "--------\t------------")
		for i := range keys {
			fmt.Fprintf(tw, "%s\t%s\n", keys[i], vals[i])
		}
		return tw.Flush()
	}
}

func reportRows(report stats.Report) (keys []string, vals []string) {
	for k := range report {
		if k == stats.KeyLatency {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if _, ok := report[stats.KeyLatency]; ok {
		keys = append([]string{stats.KeyLatency}, keys...)
	}
	vals = make([]string, len(keys))
	for i, k := range keys {
		vals[i] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", report[k]), "0"), ".")
	}
	return keys, vals
}
