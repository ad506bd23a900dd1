package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"duck-ingest/internal/domain"
	"duck-ingest/internal/service/storage"
)

func newRecordsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Store and query normalized records",
	}
	cmd.AddCommand(
		newRecordsStoreCmd(e),
		newRecordsListCmd(e),
		newRecordsUpdateCmd(e),
		newRecordsDeleteCmd(e),
		newRecordsHistoryCmd(e),
		newRecordsRetentionCmd(e),
	)
	return cmd
}

// readRows decodes a YAML or JSON list of objects.
func readRows(path string) ([]map[string]any, error) {
	r, err := stdinOrFile(path)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck
	var rows []map[string]any
	if err := yaml.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("parse rows: %w", err)
	}
	return rows, nil
}

// parseScalar reads a command-line value as a YAML scalar so numbers and
// booleans compare as such.
func parseScalar(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		if s == "null" || s == "~" {
			return nil
		}
		return s
	}
	switch v.(type) {
	case int, float64, bool, string:
		return v
	default:
		return s
	}
}

// parseFilter reads "field:op:value". The in operator takes a comma
// separated list.
func parseFilter(s string) (domain.RecordFilter, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return domain.RecordFilter{}, domain.ErrValidation("filter %q must be field:op:value", s)
	}
	f := domain.RecordFilter{Field: parts[0], Operator: domain.FilterOperator(parts[1])}
	if f.Operator == domain.OpIn {
		var values []any
		for _, v := range strings.Split(parts[2], ",") {
			values = append(values, parseScalar(strings.TrimSpace(v)))
		}
		f.Value = values
	} else {
		f.Value = parseScalar(parts[2])
	}
	if err := f.Validate(); err != nil {
		return domain.RecordFilter{}, err
	}
	return f, nil
}

func newRecordsStoreCmd(e *env) *cobra.Command {
	var (
		projectID, fileID, rowsFile, keyField string
		partType, partField, partInterval     string
	)
	cmd := &cobra.Command{
		Use:   "store <schema-id>",
		Short: "Validate rows against a schema and store them as records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(rowsFile)
			if err != nil {
				return err
			}
			opts := &storage.StoreOptions{KeyField: keyField}
			if partType != "" {
				opts.Partition = &domain.PartitionStrategy{
					Type:     domain.PartitionType(partType),
					Field:    partField,
					Interval: domain.TimeInterval(partInterval),
				}
			}
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.app.Services.Storage.StoreNormalizedData(cmd.Context(), projectID, fileID, args[0], rows, opts)
			if err != nil {
				return err
			}
			if err := render(cmd, res, func(w io.Writer) error {
				if err := printKV(w,
					"Success", strconv.FormatBool(res.Success),
					"Stored", strconv.Itoa(res.NormalizedCount),
					"Errors", strconv.Itoa(res.ErrorCount),
				); err != nil {
					return err
				}
				for _, m := range res.Warnings {
					fmt.Fprintln(w, "  warning: "+m)
				}
				for _, m := range res.Errors {
					fmt.Fprintln(w, "  "+m)
				}
				return nil
			}); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%d of %d rows were rejected", res.ErrorCount, len(rows))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project id (required)")
	cmd.Flags().StringVar(&fileID, "file-id", "", "Source file id recorded on every record")
	cmd.Flags().StringVar(&rowsFile, "rows", "-", "YAML or JSON list of row objects (- for stdin)")
	cmd.Flags().StringVar(&keyField, "key-field", "", "Field whose value identifies the entity; re-storing a key is a no-op")
	cmd.Flags().StringVar(&partType, "partition-type", "", "Override partitioning: time or hash")
	cmd.Flags().StringVar(&partField, "partition-field", "", "Field the partition key is derived from")
	cmd.Flags().StringVar(&partInterval, "partition-interval", "", "Time partition interval: day, week, month, year")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newRecordsListCmd(e *env) *cobra.Command {
	var (
		projectID, fileID, asOf string
		filters                 []string
		q                       domain.RecordQuery
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Query records of a project or file",
		Example: `  ingest records list --project p1 --schema orders --filter qty:gte:2 --filter region:in:EU,US
  ingest records list --file-id f1 --as-of 2026-03-01T09:00:00Z --history`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (projectID == "") == (fileID == "") {
				return domain.ErrValidation("exactly one of --project or --file-id is required")
			}
			for _, raw := range filters {
				f, err := parseFilter(raw)
				if err != nil {
					return err
				}
				q.Filters = append(q.Filters, f)
			}
			if asOf != "" {
				t, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return domain.ErrValidation("--as-of must be RFC3339: %v", err)
				}
				q.AsOf = &t
			}

			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()

			svc := s.app.Services.Storage
			var page *domain.RecordPage
			if projectID != "" {
				page, err = svc.GetNormalizedRecords(cmd.Context(), projectID, q)
			} else {
				page, err = svc.GetNormalizedRecordsForFile(cmd.Context(), fileID, q)
			}
			if err != nil {
				return err
			}
			return render(cmd, page, func(w io.Writer) error {
				rows := make([][]string, 0, len(page.Records))
				for _, r := range page.Records {
					data, _ := json.Marshal(r.Data)
					part := ""
					if r.PartitionKey != nil {
						part = *r.PartitionKey
					}
					rows = append(rows, []string{
						r.ID, r.SchemaID, strconv.Itoa(r.Version), strconv.FormatBool(r.IsActive),
						part, truncate(string(data), 80),
					})
				}
				if err := printTable(w, []string{"ID", "SCHEMA", "VERSION", "ACTIVE", "PARTITION", "DATA"}, rows); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "\n%d of %d record(s)\n", len(page.Records), page.Total)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().StringVar(&fileID, "file-id", "", "Source file id")
	cmd.Flags().StringVar(&q.SchemaID, "schema", "", "Restrict to one schema")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Filter field:op:value (eq, neq, gt, gte, lt, lte, contains, startsWith, endsWith, in)")
	cmd.Flags().StringVar(&q.OrderBy, "order-by", "", "created_at, updated_at, version, id, or a data field")
	cmd.Flags().BoolVar(&q.Desc, "desc", false, "Sort descending")
	cmd.Flags().IntVar(&q.Limit, "limit", 0, "Maximum records returned (0 for all)")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Records skipped before the first result")
	cmd.Flags().StringVar(&asOf, "as-of", "", "Show records as they were at this RFC3339 time")
	cmd.Flags().BoolVar(&q.IncludeHistory, "history", false, "Include each record's history")
	return cmd
}

func newRecordsUpdateCmd(e *env) *cobra.Command {
	var dataFile string
	cmd := &cobra.Command{
		Use:   "update <record-id>",
		Short: "Replace a record's data, creating a new version when versioning is on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := stdinOrFile(dataFile)
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck
			var data map[string]any
			if err := yaml.NewDecoder(r).Decode(&data); err != nil {
				return fmt.Errorf("parse data: %w", err)
			}

			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			rec, err := s.app.Services.Storage.UpdateNormalizedRecord(cmd.Context(), args[0], data)
			if err != nil {
				return err
			}
			return render(cmd, rec, func(w io.Writer) error {
				return printKV(w, "ID", rec.ID, "Lineage", rec.LineageID, "Version", strconv.Itoa(rec.Version))
			})
		},
	}
	cmd.Flags().StringVar(&dataFile, "data", "-", "YAML or JSON object with the new data (- for stdin)")
	return cmd
}

func newRecordsDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <record-id>",
		Short: "Deactivate a record; its history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.app.Services.Storage.DeleteNormalizedRecord(cmd.Context(), args[0]); err != nil {
				return err
			}
			return render(cmd, map[string]string{"deleted": args[0]}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Deleted %s\n", args[0])
				return err
			})
		},
	}
}

func newRecordsHistoryCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "history <record-id>",
		Short: "Show the change history of a record's lineage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			entries, err := s.app.Services.Storage.GetRecordHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, entries, func(w io.Writer) error {
				rows := make([][]string, 0, len(entries))
				for _, h := range entries {
					data, _ := json.Marshal(h.Data)
					rows = append(rows, []string{
						h.ChangedAt.Format(time.RFC3339), string(h.Operation), h.RecordID,
						strconv.Itoa(h.Version), truncate(string(data), 80),
					})
				}
				return printTable(w, []string{"CHANGED", "OPERATION", "RECORD", "VERSION", "DATA"}, rows)
			})
		},
	}
}

func newRecordsRetentionCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Delete inactive record versions beyond the retention policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			n, err := s.app.Services.Storage.ApplyRetention(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, map[string]int64{"deleted": n}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Deleted %d inactive version(s)\n", n)
				return err
			})
		},
	}
}
