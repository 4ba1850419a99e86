package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/ashureev/reqplan/internal/config"
	"github.com/ashureev/reqplan/internal/crm"
	"github.com/spf13/cobra"
)

var (
	objectsCustomOnly bool
	objectsSearch     string
	queryLimit        int
)

func init() {
	rootCmd.AddCommand(objectsCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(checkCmd)

	objectsCmd.Flags().BoolVar(&objectsCustomOnly, "custom-only", false, "Only list custom objects")
	objectsCmd.Flags().StringVar(&objectsSearch, "search", "", "Filter objects by name or label")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 100, "Maximum number of records to return")
}

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "List CRM objects",
	Args:  cobra.NoArgs,
	RunE:  runObjects,
}

var describeCmd = &cobra.Command{
	Use:   "describe <object>",
	Short: "Describe a CRM object's fields and relationships",
	Long: `Describe a CRM object using the configured connector.

Examples:
  reqplanctl describe Account
  reqplanctl describe Invoice__c --json`,
	Args: cobra.ExactArgs(1),
	RunE: runDescribe,
}

var queryCmd = &cobra.Command{
	Use:   "query <soql>",
	Short: "Run a read-only SOQL query",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and test the CRM connection",
	Long: `Report configuration gaps that disable features and, when the CRM
connector is configured, authenticate and fetch basic org information.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var errCRMNotConfigured = errors.New("CRM connector not configured: set CRM_CLIENT_ID, CRM_CLIENT_SECRET and CRM_INSTANCE_URL or CRM_USERNAME/CRM_PASSWORD")

func newCLIConnector(cfg *config.Config, logger *slog.Logger) (*crm.Connector, error) {
	if !cfg.CRMConfigured() {
		return nil, errCRMNotConfigured
	}
	return crm.New(cfg.CRM, crm.WithLogger(logger))
}

// withConnector runs fn with a connector built from the environment.
func withConnector(ctx context.Context, fn func(ctx context.Context, c *crm.Connector) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newCLIConnector(cfg, cliLogger(cfg))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return fn(ctx, c)
}

func runObjects(cmd *cobra.Command, _ []string) error {
	return withConnector(cmd.Context(), func(ctx context.Context, c *crm.Connector) error {
		var (
			objs []crm.ObjectInfo
			err  error
		)
		if objectsSearch != "" {
			objs, err = c.SearchObjects(ctx, objectsSearch)
		} else {
			objs, err = c.ListObjects(ctx, objectsCustomOnly)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, map[string]any{"objects": objs, "count": len(objs)})
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLABEL\tCUSTOM\tQUERYABLE")
		for _, o := range objs {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\n", o.Name, o.Label, o.Custom, o.Queryable)
		}
		return w.Flush()
	})
}

func runDescribe(cmd *cobra.Command, args []string) error {
	return withConnector(cmd.Context(), func(ctx context.Context, c *crm.Connector) error {
		schema, err := c.DescribeObject(ctx, args[0])
		if err != nil {
			if crm.IsNotFound(err) {
				return fmt.Errorf("object %s not found", args[0])
			}
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, schema)
		}
		fmt.Fprintf(out, "%s (%s) custom=%t\n\n", schema.Name, schema.Label, schema.Custom)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FIELD\tTYPE\tREQUIRED\tREFERENCES")
		fields := make(map[string]crm.Field, len(schema.Fields))
		for _, f := range schema.Fields {
			fields[f.Name] = f
		}
		for _, name := range schema.SortedFieldNames() {
			f := fields[name]
			fmt.Fprintf(w, "%s\t%s\t%t\t%v\n", f.Name, f.Type, f.Required, f.ReferenceTo)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if len(schema.Relationships) > 0 {
			fmt.Fprintln(out, "\nRelationships:")
			for _, r := range schema.Relationships {
				fmt.Fprintf(out, "  %s -> %s (%s)\n", r.FieldName, r.RelatedObject, r.RelationshipType)
			}
		}
		return nil
	})
}

func runQuery(cmd *cobra.Command, args []string) error {
	return withConnector(cmd.Context(), func(ctx context.Context, c *crm.Connector) error {
		records, err := c.Query(ctx, args[0], queryLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"records": records, "count": len(records)})
	})
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	problems := cfg.Problems()

	report := map[string]any{
		"storage":                cfg.Storage.Backend,
		"capability_configured":  cfg.CapabilityConfigured(),
		"crm_configured":         cfg.CRMConfigured(),
		"configuration_problems": problems,
	}

	var connErr error
	if cfg.CRMConfigured() {
		c, err := newCLIConnector(cfg, cliLogger(cfg))
		if err != nil {
			connErr = err
		} else {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			info, err := c.TestConnection(ctx)
			cancel()
			if err != nil {
				connErr = err
			} else {
				report["crm"] = info
			}
		}
		if connErr != nil {
			report["crm_error"] = connErr.Error()
		}
	}

	if outputJSON {
		if err := printJSON(out, report); err != nil {
			return err
		}
	} else {
		keys := make([]string, 0, len(report))
		for k := range report {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%s: %v\n", k, report[k])
		}
	}
	if connErr != nil {
		return fmt.Errorf("CRM connection failed: %w", connErr)
	}
	return nil
}
