package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/graphlord/pkg/api"
	"github.com/rmax-ai/graphlord/pkg/client"
	"github.com/rmax-ai/graphlord/pkg/engine"
	"github.com/rmax-ai/graphlord/pkg/mcp"
	"github.com/rmax-ai/graphlord/pkg/rules"
	"github.com/rmax-ai/graphlord/pkg/scan"
)

type options struct {
	endpoint string
	token    string
	json     bool
	timeout  time.Duration
}

func (o *options) client() *client.Client {
	return client.NewClient(o.endpoint,
		client.WithToken(o.token),
		client.WithRetries(client.DefaultRetryPolicy()))
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "graphlord",
		Short: "Query a graphlord daemon and evaluate its rules",
		Long: `graphlord talks to a running graphlord-d: it runs queries, applies
concepts, validates constraints and reads the run history. The run
command analyzes a facts file locally without a daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.endpoint, "endpoint", envOrDefault("GRAPHLORD_ENDPOINT", "http://127.0.0.1:8090"), "daemon URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("GRAPHLORD_AUTH_TOKEN"), "bearer token")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print JSON instead of tables")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "request timeout")

	root.AddCommand(
		newQueryCmd(opts),
		newApplyCmd(opts),
		newValidateCmd(opts),
		newAnalyzeCmd(opts),
		newIngestCmd(opts),
		newRulesCmd(opts),
		newRunsCmd(opts),
		newReportCmd(opts),
		newMCPCmd(opts),
		newRunCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newQueryCmd(opts *options) *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "query <cypher>",
		Short: "Run a statement on the daemon's graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := opts.client().Query(ctx, args[0], p)
			if err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), res)
			}
			printTable(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter as name=value; values are parsed as JSON when possible")
	return cmd
}

func newApplyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <concept>",
		Short: "Apply a concept and the concepts it requires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := opts.client().ApplyConcept(ctx, args[0])
			if err != nil {
				return err
			}
			return printRuleResult(cmd.OutOrStdout(), opts.json, res)
		},
	}
}

func newValidateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <constraint>",
		Short: "Validate a constraint; exits 1 when it has violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			res, err := opts.client().ValidateConstraint(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printRuleResult(cmd.OutOrStdout(), opts.json, res); err != nil {
				return err
			}
			if res.Failed() {
				return errAnalysisFailed
			}
			return nil
		},
	}
}

func newAnalyzeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [rule...]",
		Short: "Evaluate rules, every rule when none are given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			rep, err := opts.client().Analyze(ctx, args...)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), opts.json, rep)
		},
	}
}

func newIngestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <facts.jsonl>",
		Short: "Upload scanned facts to the daemon; - reads stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			ctx, cancel := opts.context(cmd)
			defer cancel()
			st, err := opts.client().IngestFacts(ctx, r)
			if err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), st)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d nodes and %d relationships\n", st.Nodes, st.Relationships)
			return nil
		},
	}
}

func newRulesCmd(opts *options) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the daemon's rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			list, err := opts.client().Rules(ctx, kind)
			if err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), list)
			}
			w := newTabWriter(cmd.OutOrStdout())
			fmt.Fprintln(w, "ID\tKIND\tSEVERITY\tREQUIRES")
			for _, r := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Kind, r.Severity, strings.Join(r.Requires, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "concept or constraint")
	return cmd
}

func newRunsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent analysis runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			c := opts.client()
			if len(args) == 1 {
				run, err := c.Run(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.json {
					return outputJSON(cmd.OutOrStdout(), run)
				}
				printRun(cmd.OutOrStdout(), run)
				return nil
			}
			runs, err := c.Runs(ctx, limit)
			if err != nil {
				return err
			}
			if opts.json {
				return outputJSON(cmd.OutOrStdout(), runs)
			}
			w := newTabWriter(cmd.OutOrStdout())
			fmt.Fprintln(w, "RUN\tSTARTED\tTHRESHOLD\tPASSED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", r.ID, r.StartedAt.Format(time.RFC3339), r.Threshold, r.Passed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func newReportCmd(opts *options) *cobra.Command {
	var ro client.ReportOptions
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Download a violations or runs report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			body, err := opts.client().Report(ctx, ro)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(body)
			return err
		},
	}
	cmd.Flags().StringVar(&ro.Type, "type", "violations", "violations or runs")
	cmd.Flags().StringVar(&ro.Format, "format", "csv", "csv or json")
	cmd.Flags().StringVar(&ro.RunID, "run", "", "run id; the newest run by default")
	cmd.Flags().StringVar(&ro.Rule, "rule", "", "only this rule")
	cmd.Flags().IntVar(&ro.Limit, "limit", 0, "maximum number of rows")
	return cmd
}

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mcp.NewServer(opts.endpoint, client.WithToken(opts.token)).Serve()
		},
	}
}

func newRunCmd(opts *options) *cobra.Command {
	var (
		rulesDir  string
		threshold string
	)
	cmd := &cobra.Command{
		Use:   "run <facts.jsonl> [rule...]",
		Short: "Analyze a facts file locally; exits 1 when the analysis fails",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sev, err := rules.ParseSeverity(threshold)
			if err != nil {
				return err
			}
			reg, err := rules.LoadDir(rulesDir)
			if err != nil {
				return err
			}
			a, err := engine.New(reg,
				engine.WithThreshold(sev),
				engine.WithLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))))
			if err != nil {
				return err
			}

			r, closeFn, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer closeFn()
			facts, err := scan.ReadAll(r)
			if err != nil {
				return err
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			if _, err := a.Ingest(ctx, facts); err != nil {
				return err
			}
			rep, err := a.Analyze(ctx, args[1:]...)
			if err != nil {
				return err
			}
			out, err := toClientReport(rep)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), opts.json, out)
		},
	}
	cmd.Flags().StringVar(&rulesDir, "rules", "rules", "directory of YAML rule files")
	cmd.Flags().StringVar(&threshold, "threshold", rules.SeverityMajor.String(), "severity from which failed rules fail the analysis")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphlord %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// parseParams turns name=value pairs into query parameters. Values that
// are valid JSON keep their type; anything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, want name=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		out[name] = v
	}
	return out, nil
}

// toClientReport converts a local report through its wire form so that
// run and analyze print the same way.
func toClientReport(rep *engine.Report) (*client.Report, error) {
	b, err := json.Marshal(api.NewReportResponse(rep))
	if err != nil {
		return nil, err
	}
	var out client.Report
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
