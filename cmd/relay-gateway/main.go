// ABOUTME: Entry point for relay-gateway
// ABOUTME: Cobra command tree for serving, health checks, session management and password hashing

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
           _
 _ __ ___ | | __ _ _   _
| '__/ _ \| |/ _' | | | |
| | |  __/| | (_| | |_| |
|_|  \___||_|\__,_|\__, |
                   |___/
`

type rootOptions struct {
	configPath string
	serverURL  string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stderrf("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relay-gateway",
		Short: "Personal relay between chat front-ends and a coding agent",
		Long: `relay-gateway keeps named conversations with a local coding agent and
lets a browser, a Matrix room and the REST API take part in the same session.

  relay-gateway serve                 # start the gateway
  relay-gateway sessions list         # list sessions on the running gateway
  relay-gateway hash-password         # produce auth.web_password_hash`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $RELAY_CONFIG or $XDG_CONFIG_HOME/relay-gateway/config.yaml)")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "", "gateway base URL for client commands (default derived from config)")

	root.AddCommand(
		newServeCmd(opts),
		newHealthCmd(opts),
		newSessionsCmd(opts),
		newHashPasswordCmd(),
	)
	return root
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// clientConfig loads config for commands that talk to a running gateway. A
// missing file is fine when --server says where the gateway is.
func (o *rootOptions) clientConfig() (*config.Config, error) {
	cfg, err := config.Load(o.path())
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && o.serverURL != "" {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

// baseURL is where client commands reach the gateway.
func (o *rootOptions) baseURL(cfg *config.Config) string {
	if o.serverURL != "" {
		return strings.TrimSuffix(o.serverURL, "/")
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions, out io.Writer) error {
	configPath := opts.path()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    gateway %s\n\n", version)

	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stdout)

	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Config:    %s\n", configPath)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Database:  %s\n", cfg.Database.Path)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Engine:    %s\n", cfg.Engine.Command)
	if cfg.Tailscale.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprint(out, "Tailscale: ")
		cyan.Fprint(out, cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(out, " (ephemeral)")
		}
		fmt.Fprintln(out)
	} else {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Matrix.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "Matrix:    %s as %s\n", cfg.Matrix.Homeserver, cfg.Matrix.UserID)
	}
	if !cfg.Auth.Enabled() {
		yellow.Fprintln(out, "    ! no web password or API key set, HTTP access is open")
	}
	fmt.Fprintln(out)

	logger.Info("starting relay-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"tailscale", cfg.Tailscale.Enabled,
		"matrix", cfg.Matrix.Enabled,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the running gateway is up and its store is usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.clientConfig()
			if err != nil {
				return err
			}
			return runHealth(cmd.Context(), opts.baseURL(cfg), cmd.OutOrStdout())
		},
	}
}

func runHealth(ctx context.Context, base string, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(out, color.GreenString("healthy"))
	return nil
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for auth.web_password_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHashPassword(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runHashPassword(in io.Reader, out, prompt io.Writer) error {
	fmt.Fprint(prompt, "Password: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading password: %w", err)
	}
	fmt.Fprintln(prompt)

	hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}
