// ABOUTME: gridhub-admin subcommands
// ABOUTME: Each command is one API call rendered as an aligned table

package main

import (
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/gridhub/internal/client"
)

func table(out io.Writer, header string) *tabwriter.Writer {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, header)
	return w
}

func endpoint(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func newAgentsCmd(a *app) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agents, err := a.client().ListAgents(cmd.Context(), state)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents registered")
				return nil
			}

			w := table(cmd.OutOrStdout(), "ENDPOINT\tENVIRONMENT\tSTATE\tSESSION\tREGISTERED")
			for _, ag := range agents {
				st := "free"
				if ag.Reserved {
					st = color.YellowString("reserved")
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					endpoint(ag.Host, ag.Port), ag.Environment, st, ag.SessionID, ag.RegisteredAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter: all, available or reserved")
	return cmd
}

func newSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := a.client().ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No live sessions")
				return nil
			}

			w := table(cmd.OutOrStdout(), "SESSION\tAGENT\tENVIRONMENT\tCREATED\tLAST ACTIVE")
			for _, s := range sessions {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.SessionID, endpoint(s.Host, s.Port), s.Environment, s.CreatedAt, s.LastActiveAt)
			}
			return w.Flush()
		},
	}
}

func newReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release SESSION_ID",
		Short: "End a session and free its agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client().Release(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Released session %s\n", args[0])
			return nil
		},
	}
}

// parseEndpoint splits host:port.
func parseEndpoint(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || host == "" {
		return "", 0, fmt.Errorf("invalid endpoint %q: want host:port", s)
	}
	return host, port, nil
}

func newEvictCmd(a *app) *cobra.Command {
	var environment string
	cmd := &cobra.Command{
		Use:   "evict HOST:PORT",
		Short: "Force-remove the agents of a remote control",
		Long:  "Removes every environment registered at HOST:PORT, or only --environment. Sessions on evicted agents are destroyed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := parseEndpoint(args[0])
			if err != nil {
				return err
			}
			n, err := a.client().Evict(cmd.Context(), client.AgentSpec{Host: host, Port: port, Environment: environment})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d agent(s) from %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&environment, "environment", "", "evict only this environment")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var (
		q     client.EventQuery
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent pool events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			events, err := a.client().ListEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No events")
				return nil
			}

			w := table(cmd.OutOrStdout(), "TIME\tKIND\tAGENT\tENVIRONMENT\tSESSION\tDETAIL")
			for _, e := range events {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp, e.Kind, endpoint(e.Host, e.Port), e.Environment, e.SessionID, formatDetail(e.Detail))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&q.Kind, "kind", "", "register, unregister, replace, reserve, release, evict or recycle")
	cmd.Flags().StringVar(&q.Host, "host", "", "only events for this agent host")
	cmd.Flags().StringVar(&q.SessionID, "session", "", "only events for this session")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum events (hub caps at 1000)")
	return cmd
}

func formatDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return ""
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, detail[k]))
	}
	return strings.Join(parts, " ")
}
