package cli

import (
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var auditLimit int

// auditCmd represents the audit command
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recent data operations on the tenant's tables",
	Long: `List recent data operations on the tenant's tables, newest first. Failed
operations are listed with their error.

Examples:
  etl-cli audit
  etl-cli audit --limit 20 -j`,
	Args: cobra.NoArgs,
	RunE: listAudit,
}

func listAudit(cmd *cobra.Command, args []string) error {
	client, err := tenantClient()
	if err != nil {
		return err
	}
	params := map[string]string{}
	if auditLimit > 0 {
		params["limit"] = strconv.Itoa(auditLimit)
	}
	rsp, err := client.Get(commandContext(cmd), "audit", params)
	if err != nil {
		return err
	}
	if jsonOutput {
		printResult(rsp)
		return nil
	}

	var rows [][]string
	for _, r := range gjson.GetBytes(rsp, "records").Array() {
		result := "ok"
		if !r.Get("success").Bool() {
			result = "failed: " + r.Get("error").String()
		}
		rows = append(rows, []string{
			localTime(r.Get("createdAt").String()),
			r.Get("operation").String(),
			r.Get("table").String(),
			strconv.FormatInt(r.Get("rowsAffected").Int(), 10),
			result,
		})
	}
	printTable(os.Stdout, []string{"time", "operation", "table", "rows", "result"}, rows)
	return nil
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 0, "Maximum records to list")
}
