package cmd

import (
	"fmt"
	"os"
	"time"

	"ideaplanner-backend/cmd/market-cli/utils"
	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/services/analysis"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <query>",
	Short: "Aggregates market signal for a query across the requested sources.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sources, err := parseSources(sourceNames)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		timeout, err := time.ParseDuration(deadline)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid deadline:", err.Error())
			os.Exit(1)
		}

		service, err := buildService()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}

		result, err := service.Analyze(cmd.Context(), analysis.AnalyzeRequest{
			Query:      args[0],
			Sources:    sources,
			MaxResults: maxResults,
			Deadline:   timeout,
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}

		renderRecords(result.Records)
		renderQuality(result)
		renderSummary(result)
	},
}

func renderRecords(records []market.SourceRecord) {
	t := utils.NewTable()
	t.AppendHeader(table.Row{"Source", "Freshness", "Items", "Price Range", "Trend", "Citation"})

	for _, record := range records {
		priceRange := "-"
		if record.PriceRange.HasData {
			priceRange = fmt.Sprintf("%s .. %s", record.PriceRange.Min, record.PriceRange.Max)
		}
		trend := "-"
		if len(record.TrendPoints) > 0 {
			trend = fmt.Sprintf("%.2f", record.TrendScore)
		}
		citation := "-"
		if record.Citation != nil {
			citation = record.Citation.String()
		}
		t.AppendRow(table.Row{
			record.Source, record.Freshness, len(record.Products), priceRange, trend, citation,
		})
	}
	t.Render()

	for _, record := range records {
		if len(record.Products) == 0 {
			continue
		}
		fmt.Printf("\n%s listings:\n", record.Source)
		p := utils.NewTable()
		p.AppendHeader(table.Row{"Title", "Price", "Rating", "Url"})
		for _, product := range record.Products {
			p.AppendRow(table.Row{product.Title, product.Price, product.Rating, product.Url})
		}
		p.Render()
	}
}

func renderQuality(result analysis.AggregateResult) {
	fmt.Printf(
		"\nconfidence: %.2f, %s\n",
		result.Quality.Confidence, result.Quality.Recommendation,
	)
	for _, warning := range result.Quality.Warnings {
		fmt.Println("warning:", warning)
	}
}

func renderSummary(result analysis.AggregateResult) {
	summary := result.Summary
	if summary.TotalProducts == 0 {
		return
	}

	fmt.Println()
	t := utils.NewTable()
	t.AppendHeader(table.Row{"Total", "Unique", "Average Price", "Elapsed"})
	t.AppendRow(table.Row{
		summary.TotalProducts,
		summary.UniqueProducts,
		summary.AveragePrice,
		result.Elapsed.Round(time.Millisecond),
	})
	t.Render()
}
