package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or reset the usage ledger",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the ledger document as JSON",
	Args:  cobra.NoArgs,
	RunE:  runLedgerShow,
}

var ledgerResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Replace the ledger with zeroed records for every persona",
	Args:  cobra.NoArgs,
	RunE:  runLedgerReset,
}

var resetConfirmed bool

func init() {
	ledgerResetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm that all counters are discarded")
	ledgerCmd.AddCommand(ledgerShowCmd, ledgerResetCmd)
}

func runLedgerShow(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	l, err := openLedger(cmd.Context(), cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	doc, err := l.ReadAll(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func runLedgerReset(cmd *cobra.Command, _ []string) error {
	if !resetConfirmed {
		return errors.New("refusing to reset the ledger without --yes")
	}

	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()

	personas, err := openPersonas(cfg.Personas, logger)
	if err != nil {
		return err
	}

	l, err := openLedger(cmd.Context(), cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	doc, err := l.Reset(cmd.Context(), persona.Seeds(personas.List()))
	if err != nil {
		return err
	}
	logger.Info("ledger reset", zap.String("backend", cfg.Ledger.Backend), zap.Int("personas", len(doc)))
	fmt.Printf("ledger reset: %d personas zeroed\n", len(doc))
	return nil
}
