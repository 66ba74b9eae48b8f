package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"spechound/internal/events"
	"spechound/internal/index"
	"spechound/internal/store"
	"spechound/internal/types"
)

var (
	searchFacts bool
	searchHost  string
	searchTier  int
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search [query...]",
	Short: "Full-text search over indexed evidence",
	Long: `Runs an FTS query against the Evidence Index in the local store.
By default chunks are searched; --facts searches normalized facts
(key, value, unit triples) instead.

Example:
  spechound search polling rate --host www.razer.com --tier 1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().BoolVar(&searchFacts, "facts", false, "search normalized facts instead of chunks")
	searchCmd.Flags().StringVar(&searchHost, "host", "", "restrict to one host")
	searchCmd.Flags().IntVar(&searchTier, "tier", 0, "restrict to one source tier (1-4)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum hits")
}

func runSearch(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	filters := store.SearchFilters{
		Host:  searchHost,
		Limit: searchLimit,
	}
	if searchTier > 0 {
		filters.Tiers = []types.SourceTier{types.SourceTier(searchTier)}
	}

	ix := index.New(st.Evidence(), events.Nop{})
	query := strings.Join(args, " ")

	var hits []store.SearchHit
	if searchFacts {
		hits, err = ix.SearchFacts(query, filters)
	} else {
		hits, err = ix.SearchChunks(query, filters)
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(hits) == 0 {
		fmt.Println("no hits")
		return nil
	}

	for _, h := range hits {
		fmt.Printf("%s  tier%d %-10s %s\n", h.SnippetID, h.Tier, h.DocKind, h.Host)
		if h.NormalizedKey != "" {
			fmt.Printf("    %s = %s", h.NormalizedKey, h.Text)
			if h.UnitHint != "" {
				fmt.Printf(" [%s]", h.UnitHint)
			}
			fmt.Println()
			continue
		}
		fmt.Printf("    %s\n", truncate(h.Text, 160))
	}
	fmt.Printf("%d hit(s)\n", len(hits))
	return nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
