// Package writequeuectl implements the writequeue operator CLI.
package writequeuectl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/net/websocket"

	entrypoint "github.com/magickw/linkDAO-sub002/internal/platform/cmd"
	platformgrpc "github.com/magickw/linkDAO-sub002/internal/platform/grpc"
	"github.com/magickw/linkDAO-sub002/internal/platform/timeouts"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/api/httpapi"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/app"
	"github.com/magickw/linkDAO-sub002/internal/services/writequeue/domain"
	writequeueserver "github.com/magickw/linkDAO-sub002/internal/services/writequeue/server"
)

// Config holds writequeuectl defaults read from the environment.
type Config struct {
	Addr       string `env:"LINKDAO_WRITEQUEUECTL_ADDR" envDefault:"http://localhost:8094"`
	HealthAddr string `env:"LINKDAO_WRITEQUEUECTL_HEALTH_ADDR" envDefault:"localhost:8095"`
}

type options struct {
	addr       string
	healthAddr string
	asJSON     bool
}

// NewRootCommand builds the CLI command tree writing to out.
func NewRootCommand(out io.Writer) (*cobra.Command, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return nil, err
	}
	opts := &options{addr: cfg.Addr, healthAddr: cfg.HealthAddr}

	root := &cobra.Command{
		Use:           entrypoint.ServiceWriteQueueCtl,
		Short:         "Inspect and operate the writequeue action queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.addr, "addr", opts.addr, "writequeue HTTP API address")
	root.PersistentFlags().StringVar(&opts.healthAddr, "health-addr", opts.healthAddr, "writequeue gRPC health address")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "JSON output")

	root.AddCommand(
		sizeCommand(opts),
		listCommand(opts),
		getCommand(opts),
		submitCommand(opts),
		cancelCommand(opts),
		requeueCommand(opts),
		clearCommand(opts),
		breakersCommand(opts),
		resetCommand(opts),
		attemptsCommand(opts),
		watchCommand(opts),
		healthCommand(opts),
	)
	return root, nil
}

func (o *options) client() *Client {
	return NewClient(o.addr)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeouts.CLIRequest)
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func sizeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print the number of active queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			size, err := opts.client().QueueSize(ctx)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), map[string]int{"size": size})
			}
			fmt.Fprintln(cmd.OutOrStdout(), size)
			return nil
		},
	}
}

func listCommand(opts *options) *cobra.Command {
	var status, kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			actions, err := opts.client().ListActions(ctx, status, kind)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), actions)
			}
			writeActions(cmd.OutOrStdout(), actions)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending|in-flight|failed-retrying|failed-permanent)")
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by action kind")
	return cmd
}

func writeActions(w io.Writer, actions []domain.Action) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPRIORITY\tATTEMPTS\tNEXT ATTEMPT\tLAST ERROR")
	for _, action := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			action.ID,
			action.Kind,
			action.Status,
			action.Priority,
			action.Attempts,
			action.MaxRetries+1,
			action.NextAttemptAt.Format(time.RFC3339),
			action.LastError,
		)
	}
	_ = tw.Flush()
}

func getCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <action-id>",
		Short: "Show one queued action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			action, err := opts.client().GetAction(ctx, args[0])
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), action)
			}
			writeActions(cmd.OutOrStdout(), []domain.Action{action})
			return nil
		},
	}
}

func submitCommand(opts *options) *cobra.Command {
	var (
		kind       string
		payload    string
		priority   string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an action through the resilient pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(kind) == "" {
				return fmt.Errorf("--kind is required")
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			req := httpapi.SubmitRequest{
				Kind:     kind,
				Payload:  json.RawMessage(payload),
				Priority: priority,
			}
			if cmd.Flags().Changed("max-retries") {
				req.MaxRetries = &maxRetries
			}
			resp, err := opts.client().Submit(ctx, req)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s", resp.Status, resp.ActionID)
			if resp.Result.ResourceID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " resource=%s", resp.Result.ResourceID)
			}
			if resp.Code != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " code=%s", resp.Code)
			}
			if resp.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " error=%q", resp.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Action kind")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority (low|normal|high)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retries after the first attempt (0 allows one attempt; unset uses the default)")
	return cmd
}

func idCommand(use, short, done string, call func(context.Context, *Client, string) error, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			if err := call(ctx, opts.client(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, args[0])
			return nil
		},
	}
}

func cancelCommand(opts *options) *cobra.Command {
	return idCommand("cancel <action-id>", "Cancel an active action", "cancelled", func(ctx context.Context, c *Client, id string) error {
		return c.Cancel(ctx, id)
	}, opts)
}

func requeueCommand(opts *options) *cobra.Command {
	return idCommand("requeue <action-id>", "Move a permanently failed action back to pending", "requeued", func(ctx context.Context, c *Client, id string) error {
		_, err := c.Requeue(ctx, id)
		return err
	}, opts)
}

func clearCommand(opts *options) *cobra.Command {
	return idCommand("clear <action-id>", "Drop a permanently failed action", "cleared", func(ctx context.Context, c *Client, id string) error {
		return c.Clear(ctx, id)
	}, opts)
}

func resetCommand(opts *options) *cobra.Command {
	return idCommand("reset-breaker <kind>", "Close the circuit breaker for a kind", "reset", func(ctx context.Context, c *Client, kind string) error {
		return c.ResetBreaker(ctx, kind)
	}, opts)
}

func breakersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "List circuit breaker states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			snapshots, err := opts.client().Breakers(ctx)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), snapshots)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tSTATE\tFAILURES\tSUCCESSES\tCOOLDOWN")
			for _, s := range snapshots {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.Name, s.State, s.Failures, s.Successes, s.Cooldown)
			}
			return tw.Flush()
		},
	}
}

func attemptsCommand(opts *options) *cobra.Command {
	var (
		actionID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "List recent dispatch attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()
			attempts, err := opts.client().Attempts(ctx, actionID, limit)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), attempts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ACTION\tKIND\tOUTCOME\tATTEMPT\tAT\tERROR")
			for _, a := range attempts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", a.ActionID, a.Kind, a.Outcome, a.Attempt, a.CreatedAt, a.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "Only attempts for this action id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func watchCommand(opts *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream action notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return watch(ctx, opts.addr, count, cmd.OutOrStdout(), opts.asJSON)
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many notifications (0 streams until interrupted)")
	return cmd
}

func watch(ctx context.Context, addr string, count int, out io.Writer, asJSON bool) error {
	wsURL, origin, err := streamURL(addr)
	if err != nil {
		return err
	}
	conn, err := websocket.Dial(wsURL, "", origin)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	for seen := 0; count <= 0 || seen < count; seen++ {
		var n app.Notification
		if err := decoder.Decode(&n); err != nil {
			if ctx.Err() != nil || err == io.EOF {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		if asJSON {
			if err := json.NewEncoder(out).Encode(n); err != nil {
				return err
			}
			continue
		}
		line := fmt.Sprintf("%s %s %s attempts=%d", n.At.Format(time.RFC3339), n.ActionID, n.Status, n.Attempts)
		if n.Error != "" {
			line += fmt.Sprintf(" error=%q", n.Error)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func streamURL(addr string) (string, string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(addr), "/"))
	if err != nil || parsed.Host == "" {
		return "", "", fmt.Errorf("invalid api address %q", addr)
	}
	origin := parsed.Scheme + "://" + parsed.Host
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path += "/ws"
	return parsed.String(), origin, nil
}

func healthCommand(opts *options) *cobra.Command {
	var (
		kinds []string
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check runtime and per-kind breaker health over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			conn, err := platformgrpc.NewClient(opts.healthAddr)
			if err != nil {
				return err
			}
			defer conn.Close()

			if wait > 0 {
				waitCtx, cancel := context.WithTimeout(ctx, wait)
				err := platformgrpc.WaitForHealth(waitCtx, conn, writequeueserver.RuntimeHealthService, nil)
				cancel()
				if err != nil {
					return err
				}
			}

			services := []string{writequeueserver.RuntimeHealthService}
			for _, kind := range kinds {
				services = append(services, writequeueserver.KindHealthService(kind))
			}
			checkCtx, cancel := context.WithTimeout(ctx, timeouts.CLIRequest)
			defer cancel()
			statuses, err := platformgrpc.CheckServices(checkCtx, conn, services...)
			if err != nil {
				return err
			}
			if opts.asJSON {
				return printJSON(cmd.OutOrStdout(), statuses)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tSTATUS")
			for _, s := range statuses {
				fmt.Fprintf(tw, "%s\t%s\n", s.Service, s.Status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Action kinds whose breaker health to check")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the runtime to report SERVING")
	return cmd
}
