package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// SessionStatus mirrors the server's upload session view.
type SessionStatus struct {
	SessionID     string `json:"sessionId"`
	Filename      string `json:"filename"`
	Table         string `json:"table"`
	Operation     string `json:"operation"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	RowsProcessed int64  `json:"rowsProcessed"`
	Error         string `json:"error,omitempty"`
	Warning       string `json:"warning,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

func (s *SessionStatus) Terminal() bool {
	return s.Status == "completed" || s.Status == "failed"
}

func parseSessionStatus(rsp []byte) *SessionStatus {
	return &SessionStatus{
		SessionID:     gjsonString(rsp, "sessionId"),
		Filename:      gjsonString(rsp, "filename"),
		Table:         gjsonString(rsp, "table"),
		Operation:     gjsonString(rsp, "operation"),
		Status:        gjsonString(rsp, "status"),
		Progress:      int(gjsonInt(rsp, "progress")),
		RowsProcessed: gjsonInt(rsp, "rowsProcessed"),
		Error:         gjsonString(rsp, "error"),
		Warning:       gjsonString(rsp, "warning"),
		CreatedAt:     gjsonString(rsp, "createdAt"),
		UpdatedAt:     gjsonString(rsp, "updatedAt"),
	}
}

var (
	statusWait bool
	statusPoll time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show the progress of an upload session",
	Long: `Show the progress of an upload session.

Examples:
  # Current status
  etl-cli status 01890a5d-ac96-774b-bcce-b302099a8057

  # Follow the session until it completes or fails
  etl-cli status 01890a5d-ac96-774b-bcce-b302099a8057 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: getStatus,
}

func getStatus(cmd *cobra.Command, args []string) error {
	client, err := tenantClient()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	if statusWait {
		st, err := followSession(ctx, client, args[0], statusPoll, !jsonOutput)
		if err != nil {
			return err
		}
		return printSession(st)
	}
	st, _, err := fetchSession(ctx, client, args[0], 0)
	if err != nil {
		return err
	}
	return printSession(st)
}

// fetchSession reads the session, long polling up to wait when wait is positive.
func fetchSession(ctx context.Context, client *HTTPClient, id string, wait time.Duration) (*SessionStatus, []byte, error) {
	var params map[string]string
	if wait > 0 {
		params = map[string]string{"wait": wait.String()}
	}
	rsp, err := client.Get(ctx, "uploads/"+id, params)
	if err != nil {
		return nil, nil, err
	}
	return parseSessionStatus(rsp), rsp, nil
}

// followSession long polls until the session reaches a terminal state.
func followSession(ctx context.Context, client *HTTPClient, id string, poll time.Duration, verbose bool) (*SessionStatus, error) {
	if poll <= 0 {
		poll = 30 * time.Second
	}
	last := -1
	for {
		st, _, err := fetchSession(ctx, client, id, poll)
		if err != nil {
			return nil, err
		}
		if verbose && st.Progress != last {
			fmt.Printf("%3d%%  %-10s  %d rows\n", st.Progress, st.Status, st.RowsProcessed)
			last = st.Progress
		}
		if st.Terminal() {
			return st, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func printSession(st *SessionStatus) error {
	if jsonOutput {
		printJSON(map[string]any{"result": 1, "value": st})
		return nil
	}
	fmt.Printf("Session: %s\n", st.SessionID)
	fmt.Printf("File: %s\n", st.Filename)
	fmt.Printf("Table: %s (%s)\n", st.Table, st.Operation)
	fmt.Printf("Status: %s\n", title(st.Status))
	fmt.Printf("Progress: %d%%\n", st.Progress)
	fmt.Printf("Rows: %d\n", st.RowsProcessed)
	if st.Warning != "" {
		fmt.Printf("Warning: %s\n", st.Warning)
	}
	if st.Error != "" {
		fmt.Printf("Error: %s\n", strings.TrimSpace(st.Error))
	}
	fmt.Printf("Created: %s\n", localTime(st.CreatedAt))
	fmt.Printf("Updated: %s\n", localTime(st.UpdatedAt))
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusWait, "wait", "w", false, "Wait until the session completes or fails")
	statusCmd.Flags().DurationVar(&statusPoll, "poll", 30*time.Second, "Long poll interval while waiting")
}
