// Package main is the entry point for the polis-privacy binary.
// It provides a CLI for validating declarations, inspecting traversal plans and
// executing privacy requests.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-privacy/pkg/config"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/engine"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/masking"
	"github.com/polisai/polis-privacy/pkg/planner"
	"github.com/polisai/polis-privacy/pkg/policy"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	Config      string
	Datasets    string
	Connections string
	Policies    string
	LogLevel    string
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-privacy
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-privacy",
		Short: "Privacy request execution engine",
		Long: `Executes access and erasure privacy requests across declared datasets.

Datasets describe collections, identity fields and references between them.
Policies map data categories to include or mask rules. Connections bind
datasets to data stores; their secrets are sealed at load time.

Example:
  polis-privacy run --datasets datasets.yaml --policies policies.yaml \
    --connections connections.yaml --identity email=jane@example.com --policy default_access`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.Config, "config", "c", "", "Path to engine configuration file (YAML)")
	flags.StringVarP(&opts.Datasets, "datasets", "d", "", "Path to dataset declarations (YAML)")
	flags.StringVar(&opts.Connections, "connections", "", "Path to connection declarations (YAML)")
	flags.StringVarP(&opts.Policies, "policies", "p", "", "Path to policy declarations (YAML)")
	flags.StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		newValidateCmd(opts),
		newPlanCmd(opts),
		newRunCmd(opts),
		newTestConnectionCmd(opts),
	)
	return rootCmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, datasets, policies and connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if opts.Datasets == "" {
				return fmt.Errorf("--datasets is required")
			}
			datasets, err := config.LoadDatasets(opts.Datasets)
			if err != nil {
				return err
			}
			collections := 0
			for _, ds := range datasets {
				collections += len(ds.Collections)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "datasets: %d (%d collections)\n", len(datasets), collections)

			if opts.Policies != "" {
				policies, err := config.LoadPolicies(opts.Policies)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "policies: %d\n", len(policies))
			}
			if len(cfg.Policy.RegoFiles) > 0 {
				if _, err := newRegoResolver(cmd.Context(), cfg, nil); err != nil {
					return err
				}
				fmt.Fprintf(out, "rego modules: %d\n", len(cfg.Policy.RegoFiles))
			}
			if opts.Connections != "" {
				specs, err := config.LoadConnections(opts.Connections)
				if err != nil {
					return err
				}
				if err := checkConnectionCoverage(datasets, specs); err != nil {
					return err
				}
				fmt.Fprintf(out, "connections: %d\n", len(specs))
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
}

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var identityArgs []string
	var policyKey string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the traversal levels for an identity and policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			identity, err := parseIdentity(identityArgs)
			if err != nil {
				return err
			}
			if opts.Datasets == "" {
				return fmt.Errorf("--datasets is required")
			}
			datasets, err := config.LoadDatasets(opts.Datasets)
			if err != nil {
				return err
			}
			source, err := policySource(cmd.Context(), cfg, opts, nil)
			if err != nil {
				return err
			}
			p, err := source.Policy(cmd.Context(), policyKey)
			if err != nil {
				return err
			}

			g, err := graph.Build(datasets, identity)
			if err != nil {
				return err
			}
			plan, err := planner.Build(g, p, masking.NewRegistry())
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&identityArgs, "identity", "i", nil, "Identity value as kind=value (repeatable)")
	cmd.Flags().StringVar(&policyKey, "policy", "", "Policy key")
	_ = cmd.MarkFlagRequired("policy")
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		identityArgs []string
		policyKey    string
		requestID    string
		seedPath     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Submit and execute a privacy request",
		Long: `Submits a request for the identity and policy and runs it to completion.

With --request-id an existing request is resumed instead; this needs a
persistent request store. Interrupting the command pauses the request at the
next level boundary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if requestID == "" && policyKey == "" {
				return fmt.Errorf("--policy is required unless --request-id is given")
			}
			identity, err := parseIdentity(identityArgs)
			if err != nil && requestID == "" {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts, appOptions{SeedPath: seedPath, ErrOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			if requestID == "" {
				req, err := a.executor.Submit(ctx, identity, policyKey)
				if err != nil {
					return err
				}
				requestID = req.ID
			}

			result, runErr := a.executor.Run(ctx, requestID, nil)
			if result != nil {
				if err := writeResult(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringArrayVarP(&identityArgs, "identity", "i", nil, "Identity value as kind=value (repeatable)")
	cmd.Flags().StringVar(&policyKey, "policy", "", "Policy key")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Resume an existing request")
	cmd.Flags().StringVar(&seedPath, "seed", "", "Rows for memory connections (YAML, connection -> collection -> rows)")
	return cmd
}

func newTestConnectionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection <key>",
		Short: "Open a declared connection and verify it is reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts, appOptions{ErrOutput: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.secrets.TestConnection(cmd.Context(), args[0])
			a.metrics.ObserveConnectionTest(string(status))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], status)
			return err
		},
	}
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = strings.ToLower(opts.LogLevel)
	}
	return cfg, nil
}

// parseIdentity turns kind=value arguments into an identity map.
func parseIdentity(args []string) (map[string]string, error) {
	identity := make(map[string]string, len(args))
	for _, arg := range args {
		kind, value, ok := strings.Cut(arg, "=")
		kind = strings.TrimSpace(kind)
		if !ok || kind == "" {
			return nil, fmt.Errorf("invalid identity %q, expected kind=value", arg)
		}
		identity[kind] = strings.TrimSpace(value)
	}
	if len(identity) == 0 {
		return nil, fmt.Errorf("at least one --identity is required")
	}
	return identity, nil
}

// checkConnectionCoverage reports datasets bound to undeclared connections.
func checkConnectionCoverage(datasets []domain.Dataset, specs []config.ConnectionSpec) error {
	declared := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		declared[spec.Key] = struct{}{}
	}
	var missing []string
	for _, ds := range datasets {
		if _, ok := declared[ds.ConnectionKey]; !ok {
			missing = append(missing, fmt.Sprintf("%s (dataset %s)", ds.ConnectionKey, ds.Name))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: undeclared connections: %s", domain.ErrConfigInvalid, strings.Join(missing, ", "))
	}
	return nil
}

func policySource(ctx context.Context, cfg *config.Config, opts *rootOptions, a *app) (policy.Source, error) {
	if len(cfg.Policy.RegoFiles) > 0 {
		return newRegoResolver(ctx, cfg, a)
	}
	if opts.Policies == "" {
		return nil, fmt.Errorf("--policies or policy.rego_files is required")
	}
	return config.LoadPolicies(opts.Policies)
}

func newRegoResolver(ctx context.Context, cfg *config.Config, a *app) (*policy.Resolver, error) {
	modules, err := config.LoadRegoModules(cfg.Policy.RegoFiles)
	if err != nil {
		return nil, err
	}
	resolverOpts := policy.ResolverOptions{Entrypoint: cfg.Policy.Entrypoint, Modules: modules}
	if a != nil {
		resolverOpts.Logger = a.logger
	}
	return policy.NewResolver(ctx, resolverOpts)
}

func printPlan(w io.Writer, plan *planner.Plan) {
	fmt.Fprintf(w, "policy %s (%s), %d collections\n", plan.Policy.Key, plan.Action, len(plan.Nodes()))
	fmt.Fprintln(w, "access:")
	for i, level := range plan.AccessLevels {
		fmt.Fprintf(w, "  %d: %s\n", i, joinLevel(level))
	}
	if plan.Action != domain.ActionErasure {
		return
	}
	fmt.Fprintln(w, "erasure:")
	for i, level := range plan.ErasureLevels {
		fmt.Fprintf(w, "  %d: %s\n", i, joinLevel(level))
	}
}

func joinLevel(level []*planner.PlannedNode) string {
	names := make([]string, len(level))
	for i, pn := range level {
		names[i] = pn.Address.String()
	}
	return strings.Join(names, " ")
}

type logOutput struct {
	Collection     string   `json:"collection"`
	Action         string   `json:"action"`
	Status         string   `json:"status"`
	Attempts       int      `json:"attempts"`
	RowCount       int      `json:"row_count"`
	AffectedCount  int      `json:"affected_count"`
	FieldsAffected []string `json:"fields_affected,omitempty"`
	LastError      string   `json:"last_error,omitempty"`
}

type runOutput struct {
	RequestID string                  `json:"request_id"`
	Status    string                  `json:"status"`
	Partial   bool                    `json:"partial"`
	Location  string                  `json:"location,omitempty"`
	Logs      []logOutput             `json:"logs"`
	Data      map[string][]domain.Row `json:"data,omitempty"`
}

func writeResult(w io.Writer, result *engine.Result) error {
	out := runOutput{
		RequestID: result.RequestID,
		Status:    string(result.Status),
		Partial:   result.Partial,
		Location:  result.Location,
		Logs:      make([]logOutput, 0, len(result.Logs)),
		Data:      result.Data,
	}
	for _, l := range result.Logs {
		out.Logs = append(out.Logs, logOutput{
			Collection:     l.Collection.String(),
			Action:         string(l.Action),
			Status:         string(l.Status),
			Attempts:       l.Attempts,
			RowCount:       l.RowCount,
			AffectedCount:  l.AffectedCount,
			FieldsAffected: l.FieldsAffected,
			LastError:      l.LastError,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
