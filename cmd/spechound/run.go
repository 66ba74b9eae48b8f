package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"spechound/internal/browser"
	"spechound/internal/consensus"
	"spechound/internal/convergence"
	"spechound/internal/discovery"
	"spechound/internal/events"
	"spechound/internal/extraction"
	"spechound/internal/fetch"
	"spechound/internal/frontier"
	"spechound/internal/identity"
	"spechound/internal/index"
	"spechound/internal/learning"
	"spechound/internal/llm"
	"spechound/internal/queue"
	"spechound/internal/retrieval"
	"spechound/internal/types"
)

var (
	runContractPath string
	runUseBrowser   bool
	runFamilyCount  int
)

var runCmd = &cobra.Command{
	Use:   "run [job.yaml]",
	Short: "Run one product job to convergence",
	Long: `Executes the full convergence loop for a single product job and
prints the run summary as JSON. The job file names the target (brand,
model, optional variant/SKU/aliases/seed URLs); the contract file
defines the fields to converge on.

Example:
  spechound run jobs/viper-v3-pro.yaml --contract contracts/mouse.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runProduct,
}

func init() {
	runCmd.Flags().StringVar(&runContractPath, "contract", "", "category contract YAML (required)")
	runCmd.Flags().BoolVar(&runUseBrowser, "browser", false, "enable the headless-browser fetch rung")
	runCmd.Flags().IntVar(&runFamilyCount, "family-models", 0, "sibling models in the product family, for ambiguity grading")
	_ = runCmd.MarkFlagRequired("contract")
}

func runProduct(cmd *cobra.Command, args []string) error {
	job, err := loadJob(args[0])
	if err != nil {
		return err
	}
	contract, err := loadContract(runContractPath)
	if err != nil {
		return err
	}
	if job.Category == "" {
		job.Category = job.Target.Category
	}
	if job.Category != contract.Category {
		return fmt.Errorf("job category %q does not match contract category %q", job.Category, contract.Category)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var llmClient llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient, err = llm.New(cfg.LLM)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no LLM API key configured; query expansion and llm_extract disabled")
	}

	sink := &zapSink{log: logger}

	var strat *discovery.StrategyTable
	if cfg.Discovery.StrategyTablePath != "" {
		strat, err = discovery.LoadStrategyTable(cfg.Discovery.StrategyTablePath)
		if err != nil {
			return err
		}
		if err := strat.Watch(); err != nil {
			logger.Warn("strategy table hot reload unavailable", zap.Error(err))
		}
	}

	var plannerLLM types.LLMClient
	if llmClient != nil {
		plannerLLM = llmClient
	}
	planner := discovery.NewPlanner(cfg.Discovery, plannerLLM, strat, sink)

	var searcher convergence.Searcher = noSearch{}
	if cfg.Discovery.SearchEndpoint != "" {
		searcher = discovery.NewSERPClient(cfg.Discovery.SearchEndpoint, 15*time.Second, cfg.Discovery.RerankTopN)
	} else {
		logger.Warn("no search endpoint configured; run depends on seed and remembered URLs")
	}

	opts := fetch.Options{
		Lanes:        fetch.NewLanes(cfg.Lanes),
		HTTP:         fetch.NewHTTPClient(30*time.Second, cfg.Lanes.UserAgent, cfg.Lanes.MaxBodyBytes),
		Frontier:     frontier.New(st.Frontier(), frontier.DefaultConfig()),
		Sink:         sink,
		HostDelay:    cfg.Lanes.HostMinDelay,
		HostCap:      cfg.Lanes.HostInFlightCap,
		PerRunURLCap: cfg.Convergence.PerRunURLCap,
	}
	if runUseBrowser {
		bm := browser.NewSessionManager(browser.DefaultConfig())
		if err := bm.Start(ctx); err != nil {
			return fmt.Errorf("failed to start browser session: %w", err)
		}
		defer bm.Shutdown()
		opts.Renderer = bm
	}

	gate := identity.New(cfg.Identity, job.Target)
	ix := index.New(st.Evidence(), sink)

	deps := convergence.Deps{
		Planner:   planner,
		Strategy:  strat,
		Searcher:  searcher,
		Fetcher:   fetch.NewScheduler(opts),
		Indexer:   ix,
		Gate:      gate,
		Retriever: retrieval.New(ix, sink),
		Extractor: extraction.NewExtractor(gate, plannerLLM, ix, sink),
		Engine:    consensus.New(cfg.Consensus),
		Learner:   learning.NewCommitter(st.Learning(), cfg.Learning),
		Queue:     queue.NewWorker(st.Queue(), queue.DefaultConfig(), sink),
		Sink:      sink,
		RunsDir:   filepath.Join(cfg.Workspace, ".spechound", "runs"),
	}
	if llmClient != nil {
		deps.Tokens = llmClient
	}

	ctrl := convergence.NewController(deps, convergence.Settings{
		Convergence:      cfg.Convergence,
		Consensus:        cfg.Consensus,
		FamilyModelCount: runFamilyCount,
	})

	logger.Info("run starting",
		zap.String("product", job.Target.DisplayName()),
		zap.String("category", contract.Category),
		zap.Int("fields", len(contract.Fields)))

	summary, err := ctrl.Run(ctx, job, contract)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	logger.Info("run finished",
		zap.String("run_id", summary.RunID),
		zap.String("stop_reason", string(summary.StopReason)),
		zap.Int("rounds", summary.Rounds),
		zap.Bool("publishable", summary.Publishable),
		zap.Int("urls_fetched", summary.TotalFetched),
		zap.Int("llm_tokens", summary.TotalLLMTokens))

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func loadJob(path string) (types.ProductJob, error) {
	var job types.ProductJob
	data, err := os.ReadFile(path)
	if err != nil {
		return job, fmt.Errorf("failed to read job %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("failed to parse job %s: %w", path, err)
	}
	if job.Target.Brand == "" || job.Target.Model == "" {
		return job, fmt.Errorf("job %s: target brand and model are required", path)
	}
	return job, nil
}

func loadContract(path string) (types.CategoryContract, error) {
	var contract types.CategoryContract
	data, err := os.ReadFile(path)
	if err != nil {
		return contract, fmt.Errorf("failed to read contract %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &contract); err != nil {
		return contract, fmt.Errorf("failed to parse contract %s: %w", path, err)
	}
	if err := contract.Validate(); err != nil {
		return contract, fmt.Errorf("contract %s: %w", path, err)
	}
	return contract, nil
}

// noSearch satisfies the Searcher when no endpoint is configured.
type noSearch struct{}

func (noSearch) Search(context.Context, string) ([]discovery.Candidate, error) {
	return nil, nil
}

// zapSink mirrors the event stream onto the console logger at debug
// level so -v runs show engine progress live.
type zapSink struct {
	log *zap.Logger
}

func (s *zapSink) Emit(ev events.Event) {
	s.log.Debug(ev.Name,
		zap.String("stage", string(ev.Stage)),
		zap.String("run_id", ev.RunID))
}

func (s *zapSink) Flush() error {
	return s.log.Sync()
}
