// ABOUTME: Entry point for coven-relay, the WhatsApp to Telegram hybrid support relay
// ABOUTME: Cobra commands for serving, health checks, admin tokens and knowledge base testing

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/responder"
	"github.com/2389/coven-relay/internal/whatsapp"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coven-relay",
		Short:         "WhatsApp to Telegram hybrid bot and human support relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Config file path (default $COVEN_RELAY_CONFIG or ~/.config/coven/relay.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// getConfigPath returns the path to the relay config file.
// Priority: --config flag > COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func getConfigPath(cmd *cobra.Command) string {
	if flagPath, _ := cmd.Flags().GetString("config"); strings.TrimSpace(flagPath) != "" {
		return flagPath
	}
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), getConfigPath(cmd))
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Group:     %d\n", cfg.Telegram.GroupID)
	green.Print("    ▶ ")
	fmt.Printf("Timeout:   %s\n", cfg.Routing.HumanTimeout)

	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ⚠ ")
		fmt.Println("Admin API: disabled (auth.jwt_secret not set)")
	}
	if cfg.Knowledge.Path == "" {
		yellow.Print("    ⚠ ")
		fmt.Println("Knowledge: none, every message gets the fallback")
	}
	fmt.Println()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check relay health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), getConfigPath(cmd))
		},
	}
}

func runHealth(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		expires time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(getConfigPath(cmd))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(subject, role, expires)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Who the token identifies (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleViewer, "Token role: viewer or admin")
	cmd.Flags().DurationVar(&expires, "expires", 30*24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func newAskCmd() *cobra.Command {
	var kbPath string

	cmd := &cobra.Command{
		Use:   "ask <text>",
		Short: "Query the knowledge base the way the bot would",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if kbPath == "" {
				cfg, err := config.Load(getConfigPath(cmd))
				if err != nil {
					return fmt.Errorf("loading config: %w (or pass --kb)", err)
				}
				kbPath = cfg.Knowledge.Path
			}

			kb, err := responder.LoadKnowledgeBase(kbPath)
			if err != nil {
				return err
			}
			bot := responder.New(kb.Formatted(whatsapp.FormatMarkdown), nil)

			answer, found, err := bot.Query(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !found {
				color.New(color.FgYellow).Println("no answer")
				return nil
			}
			fmt.Println(answer)
			return nil
		},
	}

	cmd.Flags().StringVar(&kbPath, "kb", "", "Knowledge base file (default knowledge.path from config)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
