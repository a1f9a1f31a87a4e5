// ABOUTME: Session management subcommands that talk to a running gateway over REST
// ABOUTME: Authenticates with the configured API key and prints tab-aligned tables

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/relay-gateway/internal/web"
)

// apiClient is a thin REST client for the gateway's /api routes.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func newAPIClient(base, apiKey string) *apiClient {
	return &apiClient{
		base:   strings.TrimSuffix(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *rootOptions) apiClient() (*apiClient, error) {
	cfg, err := o.clientConfig()
	if err != nil {
		return nil, err
	}
	key := cfg.Auth.APIKey
	if env := os.Getenv("RELAY_API_KEY"); env != "" {
		key = env
	}
	return newAPIClient(o.baseURL(cfg), key), nil
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func sessionPath(name string, rest ...string) string {
	p := "/api/sessions/" + url.PathEscape(name)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "Manage sessions on a running gateway",
	}
	cmd.AddCommand(
		newSessionsListCmd(opts),
		newSessionsCreateCmd(opts),
		newSessionsRenameCmd(opts),
		newSessionsLifecycleCmd(opts, "archive", "Hide a session from the default listing", http.MethodPost, "archive"),
		newSessionsLifecycleCmd(opts, "unarchive", "Restore an archived session", http.MethodPost, "unarchive"),
		newSessionsDeleteCmd(opts),
		newSessionsHistoryCmd(opts),
		newSessionsSendCmd(opts),
	)
	return cmd
}

func newSessionsListCmd(opts *rootOptions) *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.apiClient()
			if err != nil {
				return err
			}
			var resp struct {
				Sessions []web.SessionResponse `json:"sessions"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/sessions?archived="+strconv.FormatBool(archived), nil, &resp); err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), resp.Sessions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list archived sessions instead")
	return cmd
}

func printSessions(out io.Writer, sessions []web.SessionResponse) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTITLE\tLIVE\tUPDATED")
	for _, s := range sessions {
		live := ""
		if s.Live {
			live = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Name, s.Title, live, s.UpdatedAt)
	}
	tw.Flush()
}

func newSessionsCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a session, or generate a name when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.apiClient()
			if err != nil {
				return err
			}
			var req struct {
				Name string `json:"name"`
			}
			if len(args) == 1 {
				req.Name = args[0]
			}
			var sess web.SessionResponse
			if err := c.do(cmd.Context(), http.MethodPost, "/api/sessions", req, &sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("created"), sess.Name)
			return nil
		},
	}
}

func newSessionsRenameCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <name> <title>",
		Short: "Set a session's display title",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.apiClient()
			if err != nil {
				return err
			}
			body := map[string]string{"title": strings.Join(args[1:], " ")}
			var sess web.SessionResponse
			if err := c.do(cmd.Context(), http.MethodPatch, sessionPath(args[0]), body, &sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %q\n", sess.Name, sess.Title)
			return nil
		},
	}
}

func newSessionsLifecycleCmd(opts *rootOptions, use, short, method, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.apiClient()
			if err != nil {
				return err
			}
			var sess web.SessionResponse
			if err := c.do(cmd.Context(), method, sessionPath(args[0], action), nil, &sess); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", action, sess.Name)
			return nil
		},
	}
}

func newSessionsDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a session and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.apiClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), http.MethodDelete, sessionPath(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.RedString("deleted"), args[0])
			return nil
		},
	}
}

func newSessionsHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <name>",
		Short: "Print the most recent transcript rows of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.apiClient()
			if err != nil {
				return err
			}
			path := sessionPath(args[0], "messages")
			if limit > 0 {
				path += "?limit=" + strconv.Itoa(limit)
			}
			var resp struct {
				Messages []web.MessageResponse `json:"messages"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), resp.Messages)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of rows (default: server's history_limit)")
	return cmd
}

func printHistory(out io.Writer, msgs []web.MessageResponse) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages.")
		return
	}
	gray := color.New(color.FgHiBlack)
	for _, m := range msgs {
		stamp := m.Timestamp
		if t, err := time.Parse(time.RFC3339, m.Timestamp); err == nil {
			stamp = t.Local().Format("2006-01-02 15:04")
		}
		who := m.Role
		if m.Source != "" {
			who += "/" + m.Source
		}
		gray.Fprintf(out, "[%s] ", stamp)
		fmt.Fprintf(out, "%s: %s\n", who, m.Content)
	}
}

func newSessionsSendCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <name> <message>",
		Short: "Send a message to a session; the reply is recorded in its history",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.apiClient()
			if err != nil {
				return err
			}
			body := map[string]string{"content": strings.Join(args[1:], " ")}
			if err := c.do(cmd.Context(), http.MethodPost, sessionPath(args[0], "messages"), body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", args[0])
			return nil
		},
	}
}
