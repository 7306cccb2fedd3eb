package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vaibhaw-/govproxy/internal/govproxy/config"
	"github.com/vaibhaw-/govproxy/internal/govproxy/server"
)

var (
	evalFlagRequest  string
	evalFlagExitCode bool

	validateFlagRequest string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one governance request and print the verdict",
	Long: `Evaluate runs a GovernanceQueryRequest (JSON) through validation,
authorization and PII detection, writes the audit entries and prints the
verdict. The request is read from --request or stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := readQuery(evalFlagRequest)
		if err != nil {
			return err
		}
		st, err := buildStack(cmd.Context(), config.Get())
		if err != nil {
			return err
		}
		defer st.Close()

		v := st.proxy.ExecuteSecureQuery(cmd.Context(), q)
		if err := printJSON(os.Stdout, server.NewExecuteResponse(v)); err != nil {
			return err
		}
		if evalFlagExitCode && !v.Allowed {
			return fmt.Errorf("query denied: %s %s", v.State, v.Reason)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Dry-run validation of one request",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := readQuery(validateFlagRequest)
		if err != nil {
			return err
		}
		if q.CorrelationID == "" {
			q.CorrelationID = uuid.NewString()
		}
		st, err := buildStack(cmd.Context(), config.Get())
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := st.proxy.Validate(cmd.Context(), q)
		if err != nil {
			return fmt.Errorf("validation not audited: %w", err)
		}
		return printJSON(os.Stdout, server.ValidationResponse{
			ValidationResult: res,
			CorrelationID:    q.CorrelationID,
			Timestamp:        time.Now().UTC(),
		})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalFlagRequest, "request", "", "request JSON file (default stdin)")
	evaluateCmd.Flags().BoolVar(&evalFlagExitCode, "exit-code", false, "exit non-zero when the query is denied")
	validateCmd.Flags().StringVar(&validateFlagRequest, "request", "", "request JSON file (default stdin)")
}
