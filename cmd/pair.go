package cmd

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage DM pairing codes and approvals",
	}
	cmd.AddCommand(pairCodeCmd())
	cmd.AddCommand(pairListCmd())
	cmd.AddCommand(pairRevokeCmd())
	return cmd
}

func pairCodeCmd() *cobra.Command {
	var nodeID, channelID string
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Generate a pairing code for a channel",
		Run: func(cmd *cobra.Command, args []string) {
			if nodeID == "" || channelID == "" {
				fmt.Fprintln(os.Stderr, "Error: --node and --channel are required")
				os.Exit(1)
			}
			var resp struct {
				Code struct {
					Code      string    `json:"code"`
					Formatted string    `json:"formatted"`
					ExpiresAt time.Time `json:"expiresAt"`
				} `json:"code"`
			}
			body := map[string]string{"nodeId": nodeID, "channelId": channelID}
			if err := newAdminClient().post("/v1/pairing/codes", body, &resp); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Pairing code for channel %s (expires %s):\n",
				channelID, resp.Code.ExpiresAt.Local().Format(time.Kitchen))
			fmt.Println(resp.Code.Formatted)
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "node id the code pairs peers to")
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id the code is valid on")
	return cmd
}

func pairListCmd() *cobra.Command {
	var channelID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approved peers on a channel",
		Run: func(cmd *cobra.Command, args []string) {
			if channelID == "" {
				fmt.Fprintln(os.Stderr, "Error: --channel is required")
				os.Exit(1)
			}
			var resp struct {
				Approved []string `json:"approved"`
			}
			path := "/v1/pairing/approved?channel=" + url.QueryEscape(channelID)
			if err := newAdminClient().get(path, &resp); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(resp.Approved) == 0 {
				fmt.Printf("No approved peers on %s.\n", channelID)
				return
			}
			for _, peer := range resp.Approved {
				fmt.Println(peer)
			}
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id to list")
	return cmd
}

func pairRevokeCmd() *cobra.Command {
	var channelID, peerID string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an approved peer",
		Run: func(cmd *cobra.Command, args []string) {
			if channelID == "" || peerID == "" {
				fmt.Fprintln(os.Stderr, "Error: --channel and --peer are required")
				os.Exit(1)
			}
			path := fmt.Sprintf("/v1/pairing/approved?channel=%s&peer=%s",
				url.QueryEscape(channelID), url.QueryEscape(peerID))
			if err := newAdminClient().del(path, nil); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Revoked %s on %s.\n", peerID, channelID)
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "channel id the peer was approved on")
	cmd.Flags().StringVar(&peerID, "peer", "", "peer id to revoke")
	return cmd
}
