package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/spf13/cobra"
)

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTableWriter(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	// Keep header case as given.
	t.Style().Format.Header = text.FormatDefault
	return t
}

// printTable writes rows under headers.
func printTable(w io.Writer, headers []string, rows [][]string) error {
	t := newTableWriter(w)
	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	t.AppendHeader(header)
	for _, r := range rows {
		row := make(table.Row, len(r))
		for i, v := range r {
			row[i] = v
		}
		t.AppendRow(row)
	}
	t.Render()
	return nil
}

// printKV writes key/value pairs as a two-column table.
func printKV(w io.Writer, pairs ...string) error {
	t := newTableWriter(w)
	for i := 0; i+1 < len(pairs); i += 2 {
		t.AppendRow(table.Row{pairs[i], pairs[i+1]})
	}
	t.Render()
	return nil
}

// render prints v as JSON or hands off to the table printer.
func render(cmd *cobra.Command, v any, printer func(io.Writer) error) error {
	if getOutputFormat(cmd) == "json" {
		return printJSON(cmd.OutOrStdout(), v)
	}
	return printer(cmd.OutOrStdout())
}
