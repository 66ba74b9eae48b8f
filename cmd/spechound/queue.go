package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spechound/internal/discovery"
	"spechound/internal/queue"
	"spechound/internal/store"
)

var (
	queueStatus string
	queueLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Automation queue operations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued jobs by status",
	RunE:  runQueueList,
}

var queueWorkCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the queue worker until interrupted",
	Long: `Polls the automation queue and executes due jobs: repair searches
for dead URLs, TTL refreshes, and deficit rediscovery. Repair and
rediscovery need a configured search endpoint.`,
	RunE: runQueueWork,
}

func init() {
	queueListCmd.Flags().StringVar(&queueStatus, "status", queue.StatusQueued, "job status to list")
	queueListCmd.Flags().IntVar(&queueLimit, "limit", 50, "maximum jobs")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueWorkCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.Queue().JobsByStatus(queueStatus, queueLimit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Printf("no %s jobs\n", queueStatus)
		return nil
	}

	for _, j := range jobs {
		fmt.Printf("%s  %-20s attempts=%d due=%s\n",
			j.JobID, j.Type, j.Attempts, j.NextRunAt.Format(time.RFC3339))
		if j.LastError != "" {
			fmt.Printf("    last error: %s\n", j.LastError)
		}
	}
	fmt.Printf("%d job(s)\n", len(jobs))
	return nil
}

func runQueueWork(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	var searcher *discovery.SERPClient
	if cfg.Discovery.SearchEndpoint != "" {
		searcher = discovery.NewSERPClient(cfg.Discovery.SearchEndpoint, 15*time.Second, cfg.Discovery.RerankTopN)
	} else {
		logger.Warn("no search endpoint configured; repair and rediscovery jobs will fail")
	}

	worker := queue.NewWorker(st.Queue(), queue.DefaultConfig(), &zapSink{log: logger})
	worker.Handle(queue.TypeRepairSearch, repairHandler(st, searcher))
	worker.Handle(queue.TypeRefresh, refreshHandler(st))
	worker.Handle(queue.TypeRediscovery, rediscoveryHandler(st, searcher))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("queue worker running", zap.String("db", cfg.DatabasePath))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// repairHandler hunts a replacement for a dead URL on the same domain
// and remembers what it finds for the product's fingerprint.
func repairHandler(st *store.Local, searcher *discovery.SERPClient) queue.Handler {
	return func(ctx context.Context, job store.Job, payload queue.Payload) error {
		if searcher == nil {
			return fmt.Errorf("no search endpoint configured")
		}
		query := strings.TrimSpace(fmt.Sprintf("site:%s %s", payload.Domain, pathTokens(payload.URL)))
		cands, err := searcher.Search(ctx, query)
		if err != nil {
			return err
		}
		remembered := 0
		for _, c := range cands {
			if c.URL == payload.URL {
				continue
			}
			if err := st.Learning().RememberURL(store.URLMemoryEntry{
				Fingerprint: payload.Fingerprint,
				URL:         c.URL,
				DocKind:     payload.DocHint,
				LastUsed:    time.Now().UTC(),
			}); err != nil {
				return err
			}
			if remembered++; remembered >= 3 {
				break
			}
		}
		logger.Info("repair search done",
			zap.String("domain", payload.Domain),
			zap.Int("remembered", remembered))
		return nil
	}
}

// refreshHandler bumps a remembered URL so it survives the memory
// window; the next run re-fetches it through the normal ladder.
func refreshHandler(st *store.Local) queue.Handler {
	return func(ctx context.Context, job store.Job, payload queue.Payload) error {
		if payload.URL == "" {
			return fmt.Errorf("refresh job without url")
		}
		return st.Learning().RememberURL(store.URLMemoryEntry{
			Fingerprint: payload.Fingerprint,
			URL:         payload.URL,
			DocKind:     payload.DocHint,
			LastUsed:    time.Now().UTC(),
		})
	}
}

// rediscoveryHandler searches for the deficit fields named on the job
// and seeds url memory with the candidates.
func rediscoveryHandler(st *store.Local, searcher *discovery.SERPClient) queue.Handler {
	return func(ctx context.Context, job store.Job, payload queue.Payload) error {
		if searcher == nil {
			return fmt.Errorf("no search endpoint configured")
		}
		if len(payload.TargetFields) == 0 {
			return fmt.Errorf("rediscovery job without target fields")
		}
		query := strings.ReplaceAll(strings.Join(payload.TargetFields, " "), "_", " ")
		if payload.Domain != "" {
			query = "site:" + payload.Domain + " " + query
		}
		cands, err := searcher.Search(ctx, query)
		if err != nil {
			return err
		}
		for i, c := range cands {
			if i >= 5 {
				break
			}
			if err := st.Learning().RememberURL(store.URLMemoryEntry{
				Fingerprint: payload.Fingerprint,
				URL:         c.URL,
				DocKind:     payload.DocHint,
				LastUsed:    time.Now().UTC(),
			}); err != nil {
				return err
			}
		}
		return nil
	}
}

// pathTokens turns the dead URL's last path segment into search words.
func pathTokens(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	last := segs[len(segs)-1]
	last = strings.TrimSuffix(last, ".html")
	last = strings.TrimSuffix(last, ".pdf")
	return strings.Join(strings.FieldsFunc(last, func(r rune) bool {
		return r == '-' || r == '_' || r == '.'
	}), " ")
}
