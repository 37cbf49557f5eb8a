package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/AlexKimmel/accountgate/internal/config"
	"github.com/AlexKimmel/accountgate/internal/risk"
	"github.com/spf13/cobra"
)

func newScoreCmd(cfgFile *string) *cobra.Command {
	var (
		sig       risk.Signals
		shadowBan string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute a risk score from signal counts",
		Long: `Compute the risk score the control plane would assign to an account with
the given signals, using the risk section of the config file (or the
defaults when the file does not exist).

Examples:
  accountgate score --throttles 2 --actions 35
  accountgate score --shadow-ban likely`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgFile)
			if errors.Is(err, fs.ErrNotExist) {
				cfg, err = config.Default(), nil
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if sig.ShadowBan, err = risk.ParseDeliveryStatus(shadowBan); err != nil {
				return err
			}
			sc, err := computeScore(cfg, sig)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sc)
		},
	}

	cmd.Flags().IntVar(&sig.Throttles24h, "throttles", 0, "platform throttles in the last 24h")
	cmd.Flags().IntVar(&sig.Errors24h, "errors", 0, "transport errors in the last 24h")
	cmd.Flags().IntVar(&sig.Actions1h, "actions", 0, "actions in the last hour")
	cmd.Flags().IntVar(&sig.TransportFailures, "transport", 0, "proxy/transport failures in the last 24h")
	cmd.Flags().StringVar(&shadowBan, "shadow-ban", string(risk.DeliveryClear), "delivery status: clear, suspected, likely or confirmed")

	return cmd
}

func computeScore(cfg *config.Root, sig risk.Signals) (risk.Score, error) {
	scorer, err := risk.NewScorer(riskConfig(cfg.Risk))
	if err != nil {
		return risk.Score{}, err
	}
	return scorer.Score(sig), nil
}
