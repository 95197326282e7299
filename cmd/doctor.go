package cmd

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/nodegate/internal/config"
	"github.com/nextlevelbuilder/nodegate/internal/upgrade"
	"github.com/nextlevelbuilder/nodegate/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration, and gateway health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("nodegate doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	masked := cfg.MaskedCopy()

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s\n", "Listen:", cfg.Gateway.ListenAddr())
	fmt.Printf("    %-12s %s\n", "Auth mode:", cfg.Auth.Mode)
	fmt.Printf("    %-12s %s\n", "Token:", secretStatus(masked.Gateway.Token))
	if cfg.Pairing.Enabled {
		fmt.Printf("    %-12s enabled on %v\n", "Pairing:", cfg.Pairing.Channels)
	} else {
		fmt.Printf("    %-12s disabled\n", "Pairing:")
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed\n", "Mode:")
		checkPostgres(cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s standalone\n", "Mode:")
		path := cfg.SqlitePathExpanded()
		fmt.Printf("    %-12s %s", "SQLite:", path)
		if _, err := os.Stat(path); err != nil {
			fmt.Println(" (created on first start)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	if cfg.Nexus.BaseURL != "" || cfg.Memory.BaseURL != "" || cfg.Manifest.Path != "" || cfg.Manifest.URL != "" {
		fmt.Println()
		fmt.Println("  Nexus:")
		if cfg.Nexus.BaseURL != "" {
			fmt.Printf("    %-12s %s\n", "URL:", cfg.Nexus.BaseURL)
			fmt.Printf("    %-12s %s\n", "API key:", secretStatus(masked.Nexus.APIKey))
		}
		if cfg.Memory.BaseURL != "" {
			fmt.Printf("    %-12s %s\n", "Memory:", cfg.Memory.BaseURL)
		}
		switch {
		case cfg.Manifest.Path != "":
			fmt.Printf("    %-12s %s (file)\n", "Manifests:", cfg.Manifest.Path)
		case cfg.Manifest.URL != "":
			fmt.Printf("    %-12s %s\n", "Manifests:", cfg.Manifest.URL)
		}
	}

	if cfg.Tailscale.Hostname != "" {
		fmt.Println()
		fmt.Println("  Tailscale:")
		fmt.Printf("    %-12s %s\n", "Hostname:", cfg.Tailscale.Hostname)
		fmt.Printf("    %-12s %s\n", "Auth key:", secretStatus(masked.Tailscale.AuthKey))
	}

	fmt.Println()
	checkLiveGateway(cfg)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// secretStatus reports presence of a secret from its masked form
// without ever printing the value.
func secretStatus(masked string) string {
	if masked == "" {
		return "(not set)"
	}
	return "set"
}

func checkPostgres(dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s connected\n", "Status:")

	s, err := upgrade.CheckSchema(db)
	if err != nil {
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	}
	switch {
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY: run nodegate migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (run: nodegate migrate up)\n", "Schema:", s.CurrentVersion)
	}
}

// checkLiveGateway probes /health on the configured listen address.
func checkLiveGateway(cfg *config.Config) {
	url := fmt.Sprintf("http://%s:%d/health", loopbackHost(cfg.Gateway.Host), cfg.Gateway.Port)
	fmt.Println("  Process:")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("    %-12s not running (%s)\n", "Status:", url)
		return
	}
	defer resp.Body.Close()

	var health struct {
		Status   string `json:"status"`
		Protocol int    `json:"protocol"`
		Nodes    int    `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health.Status != "ok" {
		fmt.Printf("    %-12s unexpected response from %s\n", "Status:", url)
		return
	}
	fmt.Printf("    %-12s running (protocol %d)\n", "Status:", health.Protocol)
	fmt.Printf("    %-12s %d connected\n", "Nodes:", health.Nodes)
}
