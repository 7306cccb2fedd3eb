package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
)

var hintsFile string
var riskFile string

var dictCmd = &cobra.Command{
	Use:   "dict",
	Short: "Validate column-name hint dictionaries and risk scoring configs",
}

var dictValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate column hint and risk scoring JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		hf, err := os.Open(hintsFile)
		if err != nil {
			return fmt.Errorf("open hints file: %w", err)
		}
		defer hf.Close()

		dict, categories, err := config.ValidateHints(hf)
		if err != nil {
			return fmt.Errorf("hint dictionary validation failed: %w", err)
		}

		rf, err := os.Open(riskFile)
		if err != nil {
			return fmt.Errorf("open risk file: %w", err)
		}
		defer rf.Close()

		if _, err := config.ValidateRiskScoring(rf, categories); err != nil {
			return fmt.Errorf("risk scoring validation failed: %w", err)
		}

		fmt.Fprintf(os.Stdout, "hints and risk scoring validated successfully\n")
		fmt.Fprintf(os.Stdout, "categories: %v, negatives: %d\n", len(dict.Categories), len(dict.Negative))
		return nil
	},
}

func init() {
	dictCmd.AddCommand(dictValidateCmd)

	dictValidateCmd.Flags().StringVar(&hintsFile, "hints", "", "Path to column hint dictionary JSON file")
	dictValidateCmd.Flags().StringVar(&riskFile, "risk", "", "Path to risk scoring JSON file")

	_ = dictValidateCmd.MarkFlagRequired("hints")
	_ = dictValidateCmd.MarkFlagRequired("risk")
}
