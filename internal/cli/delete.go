package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
)

var (
	dropConfirm     string
	truncateConfirm string
	deleteConfirm   string
	deleteColumn    string
	deleteIDs       []string
	nsConfirm       string
)

var dropCmd = &cobra.Command{
	Use:   "drop <table>",
	Short: "Drop a table and its metadata",
	Long: `Drop a table from the tenant's namespace. The table name must be repeated with --confirm.

Example:
  etl-cli drop orders --confirm orders`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := tenantClient()
		if err != nil {
			return err
		}
		rsp, err := client.Delete(commandContext(cmd), "tables/"+args[0], map[string]string{"confirm": dropConfirm})
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(rsp)
			return nil
		}
		fmt.Printf("Dropped table %s\n", args[0])
		return nil
	},
}

var truncateCmd = &cobra.Command{
	Use:   "truncate <table>",
	Short: "Remove every row from a table",
	Long: `Remove every row from a table, keeping its schema. The table name must be repeated
with --confirm.

Example:
  etl-cli truncate orders --confirm orders`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := tenantClient()
		if err != nil {
			return err
		}
		body, err := sjson.SetBytes(nil, "confirm", truncateConfirm)
		if err != nil {
			return err
		}
		rsp, err := client.Post(commandContext(cmd), "tables/"+args[0]+"/truncate", body)
		if err != nil {
			return err
		}
		return printRowsAffected(rsp, "Truncated "+args[0])
	},
}

var deleteRowsCmd = &cobra.Command{
	Use:   "delete-rows <table>",
	Short: "Delete rows of a table by key",
	Long: `Delete the rows whose key column matches one of the given values. The key column
defaults to id. The table name must be repeated with --confirm.

Example:
  etl-cli delete-rows orders --ids 4,5,9 --confirm orders
  etl-cli delete-rows orders --column order_ref --ids A-17 --confirm orders`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(deleteIDs) == 0 {
			return fmt.Errorf("at least one id is required")
		}
		client, err := tenantClient()
		if err != nil {
			return err
		}
		body, err := deleteRowsBody(deleteColumn, parseIDs(deleteIDs), deleteConfirm)
		if err != nil {
			return err
		}
		rsp, err := client.Post(commandContext(cmd), "tables/"+args[0]+"/delete-rows", body)
		if err != nil {
			return err
		}
		return printRowsAffected(rsp, "Deleted rows from "+args[0])
	},
}

var dropNamespaceCmd = &cobra.Command{
	Use:   "drop-namespace",
	Short: "Drop the tenant's namespace with every table in it",
	Long: `Drop the tenant's namespace with every table in it. The tenant ID must be repeated
with --confirm.

Example:
  etl-cli drop-namespace --tenant acme --confirm acme`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := tenantClient()
		if err != nil {
			return err
		}
		rsp, err := client.Delete(commandContext(cmd), "namespace", map[string]string{"confirm": nsConfirm})
		if err != nil {
			return err
		}
		if jsonOutput {
			printResult(rsp)
			return nil
		}
		fmt.Printf("Dropped namespace of tenant %s\n", GetConfig().TenantID)
		return nil
	},
}

func deleteRowsBody(column string, ids []any, confirm string) ([]byte, error) {
	body, err := sjson.SetBytes(nil, "column", column)
	if err == nil {
		body, err = sjson.SetBytes(body, "ids", ids)
	}
	if err == nil {
		body, err = sjson.SetBytes(body, "confirm", confirm)
	}
	return body, err
}

// parseIDs sends integral values as numbers so they match integer keys.
func parseIDs(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, id)
	}
	return out
}

func printRowsAffected(rsp []byte, msg string) error {
	if jsonOutput {
		printResult(rsp)
		return nil
	}
	fmt.Printf("%s: %d rows affected\n", msg, gjsonInt(rsp, "rowsAffected"))
	return nil
}

func init() {
	rootCmd.AddCommand(dropCmd, truncateCmd, deleteRowsCmd, dropNamespaceCmd)

	dropCmd.Flags().StringVar(&dropConfirm, "confirm", "", "Table name, repeated to confirm")
	truncateCmd.Flags().StringVar(&truncateConfirm, "confirm", "", "Table name, repeated to confirm")
	deleteRowsCmd.Flags().StringVar(&deleteConfirm, "confirm", "", "Table name, repeated to confirm")
	deleteRowsCmd.Flags().StringVar(&deleteColumn, "column", "id", "Key column")
	deleteRowsCmd.Flags().StringSliceVar(&deleteIDs, "ids", nil, "Key values of the rows to delete")
	dropNamespaceCmd.Flags().StringVar(&nsConfirm, "confirm", "", "Tenant ID, repeated to confirm")

	for _, c := range []*cobra.Command{dropCmd, truncateCmd, deleteRowsCmd, dropNamespaceCmd} {
		c.MarkFlagRequired("confirm")
	}
}
