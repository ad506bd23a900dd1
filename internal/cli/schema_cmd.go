package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	internaldb "duck-ingest/internal/db"
	"duck-ingest/internal/domain"
	"duck-ingest/internal/service/storage"
)

// columnSpec is the YAML shape of one column in a schema file.
type columnSpec struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	Required    bool    `yaml:"required"`
	Default     *string `yaml:"default"`
	Description string  `yaml:"description"`
}

func parseColumns(r io.Reader) ([]domain.SchemaColumn, error) {
	var specs []columnSpec
	if err := yaml.NewDecoder(r).Decode(&specs); err != nil {
		return nil, fmt.Errorf("parse columns: %w", err)
	}
	cols := make([]domain.SchemaColumn, len(specs))
	for i, s := range specs {
		cols[i] = domain.SchemaColumn{
			Name:         s.Name,
			Type:         s.Type,
			IsRequired:   s.Required,
			DefaultValue: s.Default,
			Description:  s.Description,
		}
	}
	return cols, nil
}

func newSchemaCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage versioned record schemas",
	}
	cmd.AddCommand(newSchemaCreateCmd(e), newSchemaVersionsCmd(e), newSchemaRollbackCmd(e), newSchemaDiffCmd(e))
	return cmd
}

func newSchemaCreateCmd(e *env) *cobra.Command {
	var columnsFile, comment, actor string
	cmd := &cobra.Command{
		Use:   "create <schema-id>",
		Short: "Create a new schema version from a YAML column list",
		Example: `  ingest schema create orders --columns orders.yaml

  # orders.yaml
  - name: sku
    type: string
    required: true
  - name: region
    type: string
    default: EU`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := stdinOrFile(columnsFile)
			if err != nil {
				return err
			}
			defer r.Close() //nolint:errcheck
			cols, err := parseColumns(r)
			if err != nil {
				return err
			}

			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := s.app.Services.Schemas.CreateVersion(cmd.Context(), actor, args[0], cols, comment)
			if err != nil {
				return err
			}
			return render(cmd, v, func(w io.Writer) error { return printSchemaVersion(w, v) })
		},
	}
	cmd.Flags().StringVar(&columnsFile, "columns", "-", "YAML column list file (- for stdin)")
	cmd.Flags().StringVar(&comment, "comment", "", "Version comment")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded in the audit log")
	return cmd
}

func newSchemaVersionsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "versions <schema-id>",
		Short: "List every version of a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			versions, err := s.app.Services.Schemas.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, versions, func(w io.Writer) error {
				rows := make([][]string, 0, len(versions))
				for _, v := range versions {
					rows = append(rows, []string{
						strconv.Itoa(v.Version),
						strings.Join(v.ColumnNames(), ","),
						strconv.Itoa(len(v.ChangeLog)),
						v.CreatedAt.Format(time.RFC3339),
						v.Comment,
					})
				}
				return printTable(w, []string{"VERSION", "COLUMNS", "CHANGES", "CREATED", "COMMENT"}, rows)
			})
		},
	}
}

func newSchemaRollbackCmd(e *env) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "rollback <schema-id> <version>",
		Short: "Restore an earlier version's columns as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := strconv.Atoi(args[1])
			if err != nil {
				return domain.ErrValidation("version must be an integer, got %q", args[1])
			}
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := s.app.Services.Schemas.RollbackSchema(cmd.Context(), actor, args[0], target)
			if err != nil {
				return err
			}
			return render(cmd, v, func(w io.Writer) error { return printSchemaVersion(w, v) })
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded in the audit log")
	return cmd
}

func newSchemaDiffCmd(e *env) *cobra.Command {
	var (
		asSQL bool
		table string
	)
	cmd := &cobra.Command{
		Use:   "diff <schema-id> <from> <to>",
		Short: "Compare two schema versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.Atoi(args[1])
			if err != nil {
				return domain.ErrValidation("from version must be an integer, got %q", args[1])
			}
			to, err := strconv.Atoi(args[2])
			if err != nil {
				return domain.ErrValidation("to version must be an integer, got %q", args[2])
			}
			s, err := e.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close()
			diff, err := s.app.Services.Schemas.Diff(cmd.Context(), args[0], from, to)
			if err != nil {
				return err
			}

			if asSQL {
				script := storage.GenerateMigrationScript(diff)
				if table != "" {
					for i, stmt := range script {
						script[i] = strings.ReplaceAll(stmt, storage.MigrationTablePlaceholder, internaldb.QuoteIdent(table))
					}
				}
				return render(cmd, script, func(w io.Writer) error {
					for _, stmt := range script {
						fmt.Fprintln(w, stmt)
					}
					return nil
				})
			}

			changes := diff.Changes()
			return render(cmd, changes, func(w io.Writer) error {
				if len(changes) == 0 {
					_, err := fmt.Fprintln(w, "No changes")
					return err
				}
				rows := make([][]string, 0, len(changes))
				for _, c := range changes {
					rows = append(rows, []string{string(c.Kind), c.Column, describeColumn(c.Old), describeColumn(c.New)})
				}
				return printTable(w, []string{"CHANGE", "COLUMN", "FROM", "TO"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&asSQL, "sql", false, "Print a PostgreSQL migration script instead of the change list")
	cmd.Flags().StringVar(&table, "table", "", "Table name substituted into the migration script")
	return cmd
}

func printSchemaVersion(w io.Writer, v *domain.SchemaVersion) error {
	if err := printKV(w,
		"Schema", v.SchemaID,
		"Version", strconv.Itoa(v.Version),
		"Comment", v.Comment,
	); err != nil {
		return err
	}
	rows := make([][]string, 0, len(v.Columns))
	for i := range v.Columns {
		c := v.Columns[i]
		rows = append(rows, []string{c.Name, describeColumn(&c)})
	}
	fmt.Fprintln(w)
	return printTable(w, []string{"COLUMN", "DEFINITION"}, rows)
}

func describeColumn(c *domain.SchemaColumn) string {
	if c == nil {
		return "-"
	}
	parts := []string{c.Type}
	if c.IsRequired {
		parts = append(parts, "required")
	}
	if c.DefaultValue != nil {
		parts = append(parts, "default="+*c.DefaultValue)
	}
	return strings.Join(parts, " ")
}
