package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables in the tenant's namespace",
	Long: `List the tables in the tenant's namespace with their row counts and sizes.

Examples:
  etl-cli tables
  etl-cli tables -j`,
	Args: cobra.NoArgs,
	RunE: listTables,
}

func listTables(cmd *cobra.Command, args []string) error {
	client, err := tenantClient()
	if err != nil {
		return err
	}
	rsp, err := client.Get(commandContext(cmd), "tables", nil)
	if err != nil {
		return err
	}
	if jsonOutput {
		printResult(rsp)
		return nil
	}

	tables := gjson.GetBytes(rsp, "tables").Array()
	if len(tables) == 0 {
		fmt.Println("No tables")
		return nil
	}
	var rows [][]string
	for _, t := range tables {
		var cols []string
		for _, c := range t.Get("columns").Array() {
			cols = append(cols, c.Get("name").String()+" "+c.Get("type").String())
		}
		rows = append(rows, []string{
			t.Get("name").String(),
			strconv.FormatInt(t.Get("rowCount").Int(), 10),
			strconv.FormatFloat(t.Get("sizeMb").Float(), 'f', 2, 64),
			strings.Join(cols, ", "),
		})
	}
	printTable(os.Stdout, []string{"name", "rows", "size mb", "columns"}, rows)
	return nil
}

var previewLimit int

var previewCmd = &cobra.Command{
	Use:   "preview <table>",
	Short: "Show the first rows of a table",
	Long: `Show the first rows of a table, ordered by id.

Examples:
  etl-cli preview orders
  etl-cli preview orders --limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: previewTable,
}

func previewTable(cmd *cobra.Command, args []string) error {
	client, err := tenantClient()
	if err != nil {
		return err
	}
	params := map[string]string{}
	if previewLimit > 0 {
		params["limit"] = strconv.Itoa(previewLimit)
	}
	rsp, err := client.Get(commandContext(cmd), "tables/"+args[0]+"/preview", params)
	if err != nil {
		return err
	}
	if jsonOutput {
		printResult(rsp)
		return nil
	}

	var headers []string
	for _, c := range gjson.GetBytes(rsp, "columns").Array() {
		headers = append(headers, c.String())
	}
	var rows [][]string
	for _, r := range gjson.GetBytes(rsp, "rows").Array() {
		var row []string
		for _, v := range r.Array() {
			row = append(row, cellString(v))
		}
		rows = append(rows, row)
	}
	printTable(os.Stdout, headers, rows)
	fmt.Printf("(%d rows)\n", len(rows))
	return nil
}

func init() {
	rootCmd.AddCommand(tablesCmd)
	rootCmd.AddCommand(previewCmd)
	previewCmd.Flags().IntVarP(&previewLimit, "limit", "n", 0, "Maximum rows to show, capped by the server")
}
