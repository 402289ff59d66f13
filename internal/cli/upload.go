package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	uploadTable           string
	uploadOperation       string
	uploadConflictColumns []string
	uploadWait            bool
	uploadPoll            time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a CSV, TSV or spreadsheet file into a table",
	Long: `Upload a delimited (.csv, .tsv, .txt) or spreadsheet (.xlsx) file into a table in the
tenant's namespace. The table is created from the inferred schema when it does not exist.

Upsert updates rows whose conflict columns match and inserts the rest.

Examples:
  etl-cli upload orders.csv --table orders
  etl-cli upload orders.csv --table orders --operation upsert --conflict-columns order_id --wait`,
	Args: cobra.ExactArgs(1),
	RunE: uploadFile,
}

func uploadFile(cmd *cobra.Command, args []string) error {
	client, err := tenantClient()
	if err != nil {
		return err
	}
	op := strings.ToLower(uploadOperation)
	if op != "insert" && op != "upsert" {
		return fmt.Errorf("operation must be insert or upsert")
	}
	if op == "upsert" && len(uploadConflictColumns) == 0 {
		return fmt.Errorf("upsert requires --conflict-columns")
	}

	fields := map[string][]string{
		"table":     {uploadTable},
		"operation": {op},
	}
	if len(uploadConflictColumns) > 0 {
		fields["conflict_columns"] = []string{strings.Join(uploadConflictColumns, ",")}
	}

	ctx := commandContext(cmd)
	rsp, location, err := client.Upload(ctx, args[0], fields)
	if err != nil {
		return err
	}
	sessionID := gjsonString(rsp, "sessionId")

	if !uploadWait {
		if jsonOutput {
			printJSON(map[string]any{
				"result": 1,
				"value":  map[string]string{"sessionId": sessionID, "location": location},
			})
			return nil
		}
		fmt.Printf("Upload accepted, session %s\n", sessionID)
		fmt.Printf("Follow it with: etl-cli status %s --wait\n", sessionID)
		return nil
	}

	st, err := followSession(ctx, client, sessionID, uploadPoll, !jsonOutput)
	if err != nil {
		return err
	}
	if err := printSession(st); err != nil {
		return err
	}
	if st.Status == "failed" {
		return fmt.Errorf("upload failed: %s", st.Error)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadTable, "table", "", "Target table name")
	uploadCmd.Flags().StringVarP(&uploadOperation, "operation", "o", "insert", "insert or upsert")
	uploadCmd.Flags().StringSliceVar(&uploadConflictColumns, "conflict-columns", nil, "Columns identifying a row for upsert")
	uploadCmd.Flags().BoolVarP(&uploadWait, "wait", "w", false, "Wait until the upload completes or fails")
	uploadCmd.Flags().DurationVar(&uploadPoll, "poll", 30*time.Second, "Long poll interval while waiting")
	uploadCmd.MarkFlagRequired("table")
}
