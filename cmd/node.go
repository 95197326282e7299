package cmd

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nodegate/internal/nodeclient"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

func nodeCmd() *cobra.Command {
	var (
		url      string
		nodeID   string
		token    string
		keyPath  string
		genKey   bool
		agents   []string
		channels []string
		name     string
		send     string
		channel  string
		lane     string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a worker node against a gateway",
		Long: "Connects to a gateway as a worker node and prints delivered lane messages " +
			"as JSON lines on stdout (acks are automatic). With --send it acts as a " +
			"one-shot producer instead: send one message, wait for the receipt, exit.",
		Run: func(cmd *cobra.Command, args []string) {
			if genKey {
				if err := generateNodeKey(keyPath); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				return
			}
			runNode(url, nodeID, token, keyPath, agents, channels, name, send, channel, lane)
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:18890/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&nodeID, "id", "", "node id (required)")
	cmd.Flags().StringVar(&token, "token", "", "shared-secret token (default: $NODEGATE_GATEWAY_TOKEN)")
	cmd.Flags().StringVar(&keyPath, "key", "", "ed25519 device key file; registers with a signed JWT instead of a token")
	cmd.Flags().BoolVar(&genKey, "gen-key", false, "generate a device key at --key, print its public key, and exit")
	cmd.Flags().StringSliceVar(&agents, "agents", nil, "agent ids this node serves")
	cmd.Flags().StringSliceVar(&channels, "channels", nil, "channel ids this node serves")
	cmd.Flags().StringVar(&name, "name", "", "display name announced after register")
	cmd.Flags().StringVar(&send, "send", "", "one-shot: send this payload and exit after the receipt")
	cmd.Flags().StringVar(&channel, "channel", "", "channel id for --send")
	cmd.Flags().StringVar(&lane, "lane", protocol.LaneCollect, "lane for --send")

	return cmd
}

func runNode(url, nodeID, token, keyPath string, agents, channels []string, name, send, channel, lane string) {
	if nodeID == "" {
		fmt.Fprintln(os.Stderr, "Error: --id is required")
		os.Exit(1)
	}
	if token == "" {
		token = os.Getenv("NODEGATE_GATEWAY_TOKEN")
	}

	opts := nodeclient.Options{
		URL:    url,
		NodeID: nodeID,
		Token:  token,
		Capabilities: &protocol.Capabilities{
			AgentIDs: agents,
			Channels: channels,
		},
		// One-shot producers should fail fast, long-lived workers ride
		// out gateway restarts.
		Reconnect: send == "",
	}
	if keyPath != "" {
		priv, err := loadNodeKey(keyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts.Token = ""
		opts.Signer = nodeclient.DeviceSigner(priv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := nodeclient.Dial(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Registered as %s (session %s)\n", nodeID, client.SessionID())

	if name != "" {
		if err := client.UpdateIdentity(ctx, &protocol.Identity{DisplayName: name}); err != nil {
			fmt.Fprintf(os.Stderr, "Identity update failed: %v\n", err)
		}
	}

	if send != "" {
		runNodeSend(ctx, client, send, channel, lane)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "Deregistering...")
			shutdownNode(client)
			return
		case m := <-client.Messages():
			line, _ := json.Marshal(m)
			fmt.Println(string(line))
		case f := <-client.Frames():
			fmt.Fprintf(os.Stderr, "frame: %s\n", f.Kind)
		case err := <-client.Errors():
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		case ci := <-client.Disconnected():
			fmt.Fprintf(os.Stderr, "disconnected (code %d): %s, reconnecting\n", ci.Code, ci.Reason)
		case ci := <-client.Closed():
			fmt.Fprintf(os.Stderr, "connection closed (code %d): %s\n", ci.Code, ci.Reason)
			if ci.Code != protocol.CloseNormal {
				os.Exit(1)
			}
			return
		}
	}
}

// runNodeSend publishes one lane message and waits for the gateway
// receipt that confirms queueing for the bound node.
func runNodeSend(ctx context.Context, client *nodeclient.Client, payload, channel, lane string) {
	if channel == "" {
		fmt.Fprintln(os.Stderr, "Error: --channel is required with --send")
		os.Exit(1)
	}
	if !protocol.ValidLane(lane) {
		fmt.Fprintf(os.Stderr, "Error: unknown lane %q (expected one of %v)\n", lane, protocol.Lanes)
		os.Exit(1)
	}

	msg := &protocol.LaneMessage{
		ID:        uuid.NewString(),
		Lane:      lane,
		ChannelID: channel,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := client.SendMessage(ctx, msg); err != nil {
		fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
		os.Exit(1)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case f := <-client.Frames():
			if f.Kind == protocol.KindLaneMessageAck && f.MessageID == msg.ID {
				fmt.Printf("{\"acked\":%q}\n", f.MessageID)
				shutdownNode(client)
				return
			}
		case err := <-client.Errors():
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		case ci := <-client.Closed():
			fmt.Fprintf(os.Stderr, "connection closed (code %d): %s\n", ci.Code, ci.Reason)
			os.Exit(1)
		case <-deadline:
			fmt.Fprintln(os.Stderr, "Timed out waiting for receipt")
			os.Exit(1)
		}
	}
}

// shutdownNode deregisters politely and waits briefly for the server
// close before tearing the client down.
func shutdownNode(client *nodeclient.Client) {
	deregCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = client.Deregister(deregCtx)
	cancel()
	select {
	case <-client.Closed():
	case <-time.After(2 * time.Second):
	}
	client.Close()
}

// generateNodeKey mints an ed25519 keypair, writes the private key
// (base64, one line) to path with 0600 perms, and prints the public
// key to add under auth.device_auth.known_keys or pin via TOFU.
func generateNodeKey(path string) error {
	if path == "" {
		return fmt.Errorf("--key is required with --gen-key")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing key file %s", path)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(priv)
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Device key written to %s\n", path)
	fmt.Println(base64.StdEncoding.EncodeToString(pub))
	return nil
}

// loadNodeKey reads a base64 ed25519 key file: either a 32-byte seed
// or a full 64-byte private key.
func loadNodeKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	switch len(decoded) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(decoded), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(decoded), nil
	default:
		return nil, fmt.Errorf("key file %s: expected %d or %d bytes, got %d",
			path, ed25519.SeedSize, ed25519.PrivateKeySize, len(decoded))
	}
}
