package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"ideaplanner-backend/lib/market"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit <query> <products.json>",
	Short: "Stores user-provided product records as the manual fallback for a query.",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		encoded, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}
		var products []market.Product
		err = json.Unmarshal(encoded, &products)
		if err != nil {
			fmt.Fprintln(os.Stderr, "parse products file:", err.Error())
			os.Exit(1)
		}

		service, err := buildService()
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}

		err = service.SubmitManualData(cmd.Context(), args[0], products)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(1)
		}

		fmt.Printf("stored %d records for %q\n", len(products), args[0])
	},
}
