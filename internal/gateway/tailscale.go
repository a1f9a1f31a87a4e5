// ABOUTME: Optional tailnet listener so the gateway is reachable only from the operator's devices
// ABOUTME: Brings up an embedded tsnet node and serves plain HTTP on :80

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/config"
)

// resolveTailscaleStateDir falls back to ~/.local/share/relay-gateway/tsnet.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("no home directory for tailnet state, set tailscale.state_dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "relay-gateway", "tsnet"), nil
}

// resolveTailscaleAuthKey prefers the configured key over TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv("TS_AUTHKEY"); env != "" {
		return env, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// newTailnetNode builds the tsnet server without starting it. Backend chatter
// goes to debug; messages meant for a human go to info.
func newTailnetNode(cfg config.TailscaleConfig, logger *slog.Logger) (*tsnet.Server, error) {
	dir, err := resolveTailscaleStateDir(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailnet state dir %s: %w", dir, err)
	}
	key, err := resolveTailscaleAuthKey(cfg.AuthKey)
	if err != nil {
		return nil, err
	}

	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		AuthKey:   key,
		Ephemeral: cfg.Ephemeral,
		Logf: func(format string, args ...any) {
			logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet")
		},
		UserLogf: func(format string, args ...any) {
			logger.Info(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}, nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	cfg := g.config.Tailscale
	node, err := newTailnetNode(cfg, g.logger)
	if err != nil {
		return nil, err
	}
	g.tsnetServer = node

	g.logger.Info("joining tailnet", "hostname", cfg.Hostname, "state_dir", node.Dir, "ephemeral", cfg.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		g.closeTailnet()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logger.Info("tailnet node ready", tailnetAttrs(status)...)

	ln, err := node.Listen("tcp", ":80")
	if err != nil {
		g.closeTailnet()
		return nil, fmt.Errorf("listening on tailnet port 80: %w", err)
	}
	return ln, nil
}

// closeTailnet drops a node that failed to come up so Shutdown skips it.
func (g *Gateway) closeTailnet() {
	if g.tsnetServer == nil {
		return
	}
	if err := g.tsnetServer.Close(); err != nil {
		g.logger.Warn("closing tailnet node", "error", err)
	}
	g.tsnetServer = nil
}

func tailnetAttrs(status *ipnstate.Status) []any {
	attrs := []any{}
	if status == nil {
		return attrs
	}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "tailscale_ip", status.TailscaleIPs[0].String())
	}
	if status.Self != nil {
		attrs = append(attrs, "dns_name", status.Self.DNSName)
	}
	return attrs
}
