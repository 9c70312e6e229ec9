package main

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/HanTheDev/legal-research-gateway/internal/cost"
	"github.com/HanTheDev/legal-research-gateway/internal/mode"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/quality"
)

// Offline inspection commands. None of them touch Redis or Postgres.

func estimateCmd() *cobra.Command {
	var modeFlag string
	cmd := &cobra.Command{
		Use:   "estimate [query]",
		Short: "Predict the cost of a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := models.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			if !m.Explicit() {
				m = mode.NewSelector(nil).Select("", "", query, m).Mode
			}
			return printJSON(cmd.OutOrStdout(), cost.NewEstimator().Predict(query, m))
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "AUTO", "FAST, THOROUGH or AUTO")
	return cmd
}

func selectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "select [query]",
		Short: "Show which mode AUTO would pick for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := mode.NewSelector(nil).Select("", "", strings.Join(args, " "), models.ModeAuto)
			return printJSON(cmd.OutOrStdout(), sel)
		},
	}
}

func gradeCmd() *cobra.Command {
	var modeFlag, query string
	cmd := &cobra.Command{
		Use:   "grade [answer]",
		Short: "Score an answer; reads stdin when no answer is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := models.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			var answer string
			if len(args) == 1 {
				answer = args[0]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				answer = string(raw)
			}
			if strings.TrimSpace(answer) == "" {
				return errors.New("no answer to grade")
			}

			out := struct {
				Score        quality.Score       `json:"score"`
				CounselReady *quality.GateResult `json:"counsel_ready,omitempty"`
			}{Score: quality.NewScorer().Score(answer, query, m)}
			if m == models.ModeThorough {
				gate := quality.CounselReadyGate(answer, m)
				out.CounselReady = &gate
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&modeFlag, "mode", "FAST", "FAST or THOROUGH")
	cmd.Flags().StringVar(&query, "query", "", "the question the answer responds to")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
