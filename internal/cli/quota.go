package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var quotaRecalculate bool

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the tenant's storage and table quota usage",
	Long: `Show the tenant's storage and table quota usage along with any warnings.

Examples:
  etl-cli quota
  etl-cli quota --recalculate`,
	Args: cobra.NoArgs,
	RunE: getQuota,
}

func getQuota(cmd *cobra.Command, args []string) error {
	client, err := tenantClient()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	params := map[string]string{}
	if quotaRecalculate {
		params["recalculate"] = "true"
	}
	usage, err := client.Get(ctx, "quota", params)
	if err != nil {
		return err
	}
	warnings, err := client.Get(ctx, "quota/warnings", nil)
	if err != nil {
		return err
	}
	if jsonOutput {
		printJSON(map[string]any{
			"result": 1,
			"value": map[string]any{
				"usage":    gjson.ParseBytes(usage).Value(),
				"warnings": gjson.GetBytes(warnings, "warnings").Value(),
			},
		})
		return nil
	}

	u := gjson.ParseBytes(usage)
	fmt.Printf("Storage: %.2f / %.2f MB (%.1f%%)\n",
		u.Get("totalSizeMb").Float(), u.Get("limitMb").Float(), u.Get("usagePercent").Float())
	fmt.Printf("Tables: %d / %d (%.1f%%)\n",
		u.Get("totalTables").Int(), u.Get("maxTables").Int(), u.Get("tablesPercent").Float())
	for _, w := range gjson.GetBytes(warnings, "warnings").Array() {
		fmt.Printf("Warning: %s\n", w.String())
	}
	return nil
}

func init() {
	rootCmd.AddCommand(quotaCmd)
	quotaCmd.Flags().BoolVar(&quotaRecalculate, "recalculate", false, "Recompute usage from the database first")
}
