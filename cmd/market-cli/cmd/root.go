package cmd

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	"ideaplanner-backend/lib/manualstore"
	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/ratelimit"
	"ideaplanner-backend/lib/sources/ozon"
	"ideaplanner-backend/lib/sources/trends"
	"ideaplanner-backend/lib/sources/wildberries"
	"ideaplanner-backend/lib/sources/yandex"
	"ideaplanner-backend/lib/telemetry"
	"ideaplanner-backend/services/analysis"

	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"
)

var (
	sourceNames []string
	maxResults  int
	deadline    string
)

var rootCmd = &cobra.Command{
	Use:   "market-cli",
	Short: "market-cli queries market signal sources from the command line.",
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(
		&sourceNames, "sources", []string{"wildberries", "ozon", "yandex", "trends"},
		"comma-separated source ids to query",
	)
	rootCmd.PersistentFlags().IntVar(
		&maxResults, "max-results", 10, "per-source listing cap",
	)
	rootCmd.PersistentFlags().StringVar(
		&deadline, "deadline", "30s", "overall aggregation deadline",
	)
}

func Execute() {
	telemetry.InitSlog(os.Getenv("MARKET_DEBUG") != "")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildService() (*analysis.Service, error) {
	dbPath, ok := os.LookupEnv("MARKET_DB")
	if !ok {
		dbPath = "market.db"
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open manual data db: %w", err)
	}
	_, err = db.Exec(manualstore.Schema)
	if err != nil {
		return nil, fmt.Errorf("apply manual data schema: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{})

	ozonClient, err := ozon.NewClient(ozon.ClientOptions{
		BaseUrl: os.Getenv("OZON_BASE_URL"),
		Limiter: limiter,
	})
	if err != nil {
		return nil, err
	}

	return analysis.NewService(analysis.Params{
		Sources: []market.Source{
			wildberries.NewClient(wildberries.ClientOptions{
				BaseUrl: os.Getenv("WB_BASE_URL"),
				Limiter: limiter,
			}),
			ozonClient,
			yandex.NewClient(yandex.ClientOptions{
				BaseUrl: os.Getenv("YANDEX_BASE_URL"),
				Limiter: limiter,
			}),
			trends.NewClient(trends.ClientOptions{
				BaseUrl: os.Getenv("TRENDS_BASE_URL"),
				Limiter: limiter,
			}),
		},
		Store: manualstore.NewStore(db),
	})
}

func parseSources(names []string) ([]market.SourceId, error) {
	ids := make([]market.SourceId, 0, len(names))
	for _, name := range names {
		id := market.SourceId(strings.ToLower(strings.TrimSpace(name)))
		known := false
		for _, k := range market.KnownSources {
			if id == k {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown source %q, known sources: %v", name, market.KnownSources)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
