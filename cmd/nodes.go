package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

type nodesResponse struct {
	Nodes []nodeRow `json:"nodes"`
}

type nodeRow struct {
	NodeID       string    `json:"nodeId"`
	Connected    bool      `json:"connected"`
	IsAlive      bool      `json:"isAlive"`
	State        string    `json:"state"`
	SessionID    string    `json:"sessionId"`
	AgentIDs     []string  `json:"agentIds"`
	Channels     []string  `json:"channels"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	Queued       int       `json:"queued"`
	Pending      int       `json:"pending"`
}

func nodesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List nodes registered on the running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runNodes(asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON instead of a table")
	return cmd
}

func runNodes(asJSON bool) {
	var resp nodesResponse
	if err := newAdminClient().get("/v1/nodes", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
		return
	}
	if len(resp.Nodes) == 0 {
		fmt.Println("No nodes registered.")
		return
	}

	rows := make([][]string, 0, len(resp.Nodes)+1)
	rows = append(rows, []string{"NODE", "STATE", "AGENTS", "CHANNELS", "QUEUED", "PENDING", "LAST SEEN"})
	for _, n := range resp.Nodes {
		state := n.State
		if state == "" {
			state = "unknown"
		}
		if n.Connected && !n.IsAlive {
			state += " (stale)"
		}
		rows = append(rows, []string{
			n.NodeID,
			state,
			strings.Join(n.AgentIDs, ","),
			strings.Join(n.Channels, ","),
			fmt.Sprintf("%d", n.Queued),
			fmt.Sprintf("%d", n.Pending),
			humanSince(n.LastSeenAt),
		})
	}
	printTable(rows)
}

// printTable renders rows with two-space gutters, sizing columns by
// display width so wide runes in ids do not break alignment.
func printTable(rows [][]string) {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)+2))
			}
		}
		fmt.Println(b.String())
	}
}

func humanSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
