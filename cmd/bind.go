package cmd

import (
	"fmt"
	"net/url"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

func bindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Manage channel-to-node bindings",
	}
	cmd.AddCommand(bindListCmd())
	cmd.AddCommand(bindSetCmd())
	cmd.AddCommand(bindRmCmd())
	return cmd
}

func bindListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List channel bindings",
		Run: func(cmd *cobra.Command, args []string) {
			var resp struct {
				Bindings map[string]string `json:"bindings"`
			}
			if err := newAdminClient().get("/v1/channels", &resp); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(resp.Bindings) == 0 {
				fmt.Println("No channels bound.")
				return
			}
			channels := make([]string, 0, len(resp.Bindings))
			for ch := range resp.Bindings {
				channels = append(channels, ch)
			}
			sort.Strings(channels)
			rows := [][]string{{"CHANNEL", "NODE"}}
			for _, ch := range channels {
				rows = append(rows, []string{ch, resp.Bindings[ch]})
			}
			printTable(rows)
		},
	}
}

func bindSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <channel> <node>",
		Short: "Bind a channel to a node",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			channelID, nodeID := args[0], args[1]
			path := "/v1/channels/" + url.PathEscape(channelID) + "/binding"
			body := map[string]string{"nodeId": nodeID}
			if err := newAdminClient().put(path, body, nil); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Bound %s to %s.\n", channelID, nodeID)
		},
	}
}

func bindRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <channel>",
		Short: "Remove a channel binding",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			channelID := args[0]
			path := "/v1/channels/" + url.PathEscape(channelID) + "/binding"
			if err := newAdminClient().del(path, nil); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Unbound %s.\n", channelID)
		},
	}
}
