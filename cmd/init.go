package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nodegate/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup: write a nodegate.json",
		Run: func(cmd *cobra.Command, args []string) {
			runInit()
		},
	}
}

func runInit() {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		var overwrite bool
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil || !overwrite {
			fmt.Fprintln(os.Stderr, "Aborted.")
			os.Exit(1)
		}
	}

	var (
		host       = "0.0.0.0"
		port       = "18890"
		authMode   = "legacy"
		token      string
		allowTofu  = true
		dbMode     = "standalone"
		sqlitePath = "~/.nodegate/nodegate.db"
		pairingOn  bool
		pairingCsv string
		nexusURL   string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Listen host").Value(&host),
			huh.NewInput().Title("Listen port").Value(&port).Validate(validatePort),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Node auth mode").
				Options(
					huh.NewOption("Shared token (legacy)", "legacy"),
					huh.NewOption("Device keys (ed25519)", "ed25519"),
					huh.NewOption("Both (dual)", "dual"),
				).
				Value(&authMode),
			huh.NewInput().
				Title("Gateway token").
				Description("Used by nodes and the admin CLI. Leave empty to set NODEGATE_GATEWAY_TOKEN later.").
				EchoMode(huh.EchoModePassword).
				Value(&token),
			huh.NewConfirm().
				Title("Pin unknown device keys on first use (TOFU)?").
				Value(&allowTofu),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Database mode").
				Options(
					huh.NewOption("Standalone (SQLite file)", "standalone"),
					huh.NewOption("Managed (Postgres via NODEGATE_POSTGRES_DSN)", "managed"),
				).
				Value(&dbMode),
			huh.NewInput().Title("SQLite path").Value(&sqlitePath),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Enable DM pairing?").Value(&pairingOn),
			huh.NewInput().
				Title("Pairing channels").
				Description("Comma-separated channel ids; empty means all channels.").
				Value(&pairingCsv),
			huh.NewInput().
				Title("Nexus URL").
				Description("Optional hub for cross-gateway delegation; empty disables it.").
				Value(&nexusURL),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Aborted: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Gateway.Host = host
	cfg.Gateway.Port, _ = strconv.Atoi(strings.TrimSpace(port))
	cfg.Gateway.Token = token
	cfg.Auth.Mode = authMode
	cfg.Auth.AllowTofu = allowTofu
	cfg.Database.Mode = dbMode
	cfg.Database.SqlitePath = sqlitePath
	cfg.Pairing.Enabled = pairingOn
	cfg.Pairing.Channels = splitCsv(pairingCsv)
	cfg.Nexus.BaseURL = strings.TrimSpace(nexusURL)

	// Secrets never persist in the file; hand them back as env setup.
	cfg.StripSecrets()
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Wrote %s.\n", path)
	if token != "" {
		fmt.Fprintln(os.Stderr, "Export the token before starting:")
		fmt.Printf("export NODEGATE_GATEWAY_TOKEN=%s\n", token)
	}
	if dbMode == "managed" {
		fmt.Fprintln(os.Stderr, "Managed mode also needs NODEGATE_POSTGRES_DSN and `nodegate migrate up`.")
	}
	fmt.Fprintln(os.Stderr, "Start the gateway with: nodegate serve")
}

func validatePort(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

func splitCsv(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
