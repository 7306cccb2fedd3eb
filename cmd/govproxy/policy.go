package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
)

var policyFile string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate and print clearance tier policies",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a tier policy YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(policyFile)
		if err != nil {
			return fmt.Errorf("open policy file: %w", err)
		}
		defer f.Close()

		p, err := config.ValidatePolicy(f)
		if err != nil {
			return fmt.Errorf("policy validation failed: %w", err)
		}
		fmt.Fprintf(os.Stdout, "policy validated successfully\n")
		fmt.Fprintf(os.Stdout, "version: %d, tiers: %d\n", p.Version, len(p.Tiers))
		return nil
	},
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the built-in default policy as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(config.DefaultPolicy())
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd, policyShowCmd)
	policyValidateCmd.Flags().StringVar(&policyFile, "file", "", "Path to policy YAML file")
	_ = policyValidateCmd.MarkFlagRequired("file")
}
