// clinicaflow is the triage decision-support engine CLI: serve the demo
// HTTP API, run a single intake from the command line, or inspect the
// policy pack and safety rulebook.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clinicaflow/internal/comms"
	"clinicaflow/internal/config"
	"clinicaflow/internal/evidence"
	"clinicaflow/internal/inference"
	"clinicaflow/internal/logging"
	"clinicaflow/internal/pipeline"
	"clinicaflow/internal/policy"
	"clinicaflow/internal/reasoning"
	"clinicaflow/internal/safety"
	"clinicaflow/internal/server"
	"clinicaflow/internal/types"
)

var (
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clinicaflow",
	Short: "clinicaflow - clinical triage decision-support engine",
	Long: `clinicaflow runs a five-stage triage pipeline over a patient intake:
structuring, multimodal reasoning, evidence grounding, deterministic safety
governance, and communication drafting. It is a copilot; clinicians confirm
all actions.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Debug = true
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Debug)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo HTTP API",
	RunE:  runServe,
}

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Run a single intake through the pipeline and print the result",
	RunE:  runTriage,
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the policy pack",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a policy pack (or the configured one)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyValidate,
}

var policyHashCmd = &cobra.Command{
	Use:   "hash [path]",
	Short: "Print the canonical SHA-256 of a policy pack",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPolicyHash,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the safety rulebook as canonical JSON",
	RunE:  runRules,
}

var triageFile string

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "clinicaflow.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	triageCmd.Flags().StringVarP(&triageFile, "file", "f", "-", "intake JSON file, - for stdin")

	policyCmd.AddCommand(policyValidateCmd, policyHashCmd)
	rootCmd.AddCommand(serveCmd, triageCmd, policyCmd, rulesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildApp assembles the pipeline from configuration. The breaker registry
// is shared so both adapters pointing at one endpoint share breaker state.
func buildApp() (*pipeline.Orchestrator, *policy.Loader, *prometheus.Registry, error) {
	loader, err := policy.NewLoader(cfg.Policy.PackPath, logger.Named("policy"))
	if err != nil {
		return nil, nil, nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := pipeline.NewMetrics(registry)

	breakers := inference.NewBreakerRegistry(inference.CircuitConfig{
		FailuresThreshold: cfg.Circuit.FailuresThreshold,
		Cooldown:          cfg.Circuit.CooldownDuration(),
		Window:            cfg.Circuit.WindowDuration(),
	})

	var reasoner reasoning.Reasoner = reasoning.NewDeterministic()
	externalReasoning := cfg.Reasoning.External() && cfg.Reasoning.BaseURL != ""
	if externalReasoning {
		client := inference.NewClient(inference.Config{
			BaseURL:      cfg.Reasoning.BaseURL,
			Model:        cfg.Reasoning.Model,
			APIKey:       cfg.Reasoning.APIKey,
			Timeout:      cfg.Reasoning.TimeoutDuration(),
			MaxRetries:   cfg.Reasoning.MaxRetries,
			RetryBackoff: cfg.Reasoning.RetryBackoffDuration(),
			Temperature:  cfg.Reasoning.Temperature,
			MaxTokens:    cfg.Reasoning.MaxTokens,
		}, breakers, logger.Named("reasoning"))
		reasoner = reasoning.NewExternal(client, reasoning.ExternalOptions{
			SendImages: cfg.Reasoning.SendImages,
			MaxImages:  cfg.Reasoning.MaxImages,
			PHIGuard:   cfg.PHIGuard.Enabled,
		}, logger.Named("reasoning"))
	}

	var rewriter pipeline.Rewriter
	if cfg.Communication.External() && cfg.Communication.BaseURL != "" {
		client := inference.NewClient(inference.Config{
			BaseURL:      cfg.Communication.BaseURL,
			Model:        cfg.Communication.Model,
			APIKey:       cfg.Communication.APIKey,
			Timeout:      cfg.Communication.TimeoutDuration(),
			MaxRetries:   cfg.Communication.MaxRetries,
			RetryBackoff: cfg.Communication.RetryBackoffDuration(),
			Temperature:  cfg.Communication.Temperature,
			MaxTokens:    cfg.Communication.MaxTokens,
		}, breakers, logger.Named("communication"))
		rewriter = comms.NewRewriter(client, cfg.PHIGuard.Enabled, logger.Named("communication"))
	}

	orch := pipeline.New(pipeline.Options{
		Reasoner:          reasoner,
		ExternalReasoning: externalReasoning,
		Evidence:          evidence.New(loader, cfg.Policy.TopK),
		Rewriter:          rewriter,
		Metrics:           metrics,
		Logger:            logger.Named("pipeline"),
	})
	return orch, loader, registry, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	orch, loader, registry, err := buildApp()
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Orchestrator:    orch,
		PolicyLoader:    loader,
		Registry:        registry,
		Logger:          logger.Named("http"),
		APIKey:          cfg.Server.APIKey,
		CORSAllowOrigin: cfg.Server.CORSAllowOrigin,
		MaxRequestBytes: cfg.Request.MaxBytes,
		RequestDeadline: cfg.Request.DeadlineDuration(),
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return loader.Watch(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runTriage(cmd *cobra.Command, args []string) error {
	raw, err := readInput(triageFile)
	if err != nil {
		return err
	}
	var in types.Intake
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("parse intake: %w", err)
	}

	orch, _, _, err := buildApp()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Request.DeadlineDuration())
	defer cancel()
	result, err := orch.Run(ctx, in, "")
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	snap, err := loadPackArg(args)
	if err != nil {
		return err
	}
	fmt.Printf("ok: %d policies, version %s, sha256 %s\n",
		len(snap.Pack.Policies), snap.Pack.Version, snap.SHA256)
	return nil
}

func runPolicyHash(cmd *cobra.Command, args []string) error {
	snap, err := loadPackArg(args)
	if err != nil {
		return err
	}
	fmt.Println(snap.SHA256)
	return nil
}

func runRules(cmd *cobra.Command, args []string) error {
	canonical, sha, err := safety.RulebookJSON()
	if err != nil {
		return err
	}
	fmt.Println(string(canonical))
	fmt.Fprintln(os.Stderr, "sha256:", sha)
	return nil
}

func loadPackArg(args []string) (*policy.Snapshot, error) {
	path := cfg.Policy.PackPath
	if len(args) == 1 {
		path = args[0]
	}
	loader, err := policy.NewLoader(path, logger.Named("policy"))
	if err != nil {
		return nil, err
	}
	return loader.Snapshot(), nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" || path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
