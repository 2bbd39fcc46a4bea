package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"checkout-service/config"
	"checkout-service/internal/client"
	"checkout-service/internal/coordinator"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/spf13/cobra"
)

type app struct {
	cfg   config.ClientConfig
	api   *client.APIClient
	store *coordinator.SQLiteStore
	ui    *terminal
	coord *coordinator.Coordinator
}

func newRootCmd() *cobra.Command {
	var (
		a          app
		configPath string
		apiURL     string
		timeout    time.Duration
	)

	root := &cobra.Command{
		Use:           "paymentsctl",
		Short:         "Checkout payments from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := util.InitLogger("paymentsctl", cfg.Server.Env); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			a.cfg = cfg.Client
			if configPath != "" {
				clientCfg, err := config.LoadClientFile(configPath, a.cfg)
				if err != nil {
					return err
				}
				a.cfg = clientCfg
			}
			if apiURL != "" {
				a.cfg.APIBaseURL = apiURL
			}

			store, err := coordinator.NewSQLiteStore(a.cfg.AttemptDBPath)
			if err != nil {
				return err
			}
			a.store = store
			a.api = client.NewAPIClient(a.cfg.APIBaseURL, timeout)
			a.ui = newTerminal(cmd.OutOrStdout())
			a.coord = coordinator.New(a.api, a.store, a.ui, a.cfg)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			a.coord.Stop()
			return a.store.Close()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML file overriding client settings")
	root.PersistentFlags().StringVar(&apiURL, "api", "", "Checkout service base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-request timeout")

	root.AddCommand(checkoutCmd(&a))
	root.AddCommand(callbackCmd(&a))
	root.AddCommand(closeCmd(&a))
	root.AddCommand(attemptsCmd(&a))
	root.AddCommand(retryCmd(&a))
	root.AddCommand(discardCmd(&a))
	root.AddCommand(reconcileCmd(&a))

	return root
}

func checkoutCmd(a *app) *cobra.Command {
	var (
		intentPath string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "checkout",
		Short: "Start a payment for an order intent and wait for the order",
		Long: `Start a payment for the order intent in --intent (JSON) and print the
gateway payment URL. With --wait the command polls until the payment settles.
Interrupting the wait is treated as the buyer closing the payment window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := readIntent(intentPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			attempt, res, err := a.coord.Start(cmd.Context(), intent)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Attempt:   %s\n", attempt.ID)
			fmt.Fprintf(out, "Amount:    %s %s\n", attempt.Amount().StringFixed(2), attempt.Intent.Currency)
			fmt.Fprintf(out, "Pay at:    %s\n", res.AuthorizationURL)
			if !wait {
				return nil
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			outcome, err := a.ui.waitForVerdict(sigCtx, attempt.ID)
			if err != nil {
				stop()
				fmt.Fprintln(out, "Checking whether the payment went through...")
				outcome = a.coord.HandleClose(context.Background(), attempt.ID)
			}
			return report(out, outcome)
		},
	}

	cmd.Flags().StringVarP(&intentPath, "intent", "i", "", "Order intent JSON file (- for stdin)")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for the payment to settle")
	_ = cmd.MarkFlagRequired("intent")

	return cmd
}

func callbackCmd(a *app) *cobra.Command {
	var reference string

	cmd := &cobra.Command{
		Use:   "callback <attempt-id>",
		Short: "Deliver the gateway's success callback for an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome := a.coord.HandleSuccess(cmd.Context(), args[0], map[string]string{"reference": reference})
			return report(cmd.OutOrStdout(), outcome)
		},
	}

	cmd.Flags().StringVar(&reference, "reference", "", "Reference the gateway reported, defaults to the attempt's")
	return cmd
}

func closeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close <attempt-id>",
		Short: "Deliver the gateway's close callback for an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return report(cmd.OutOrStdout(), a.coord.HandleClose(cmd.Context(), args[0]))
		},
	}
}

func attemptsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "attempts",
		Short: "List payment attempts kept on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			attempts, err := a.coord.Attempts(cmd.Context())
			if err != nil {
				return err
			}
			if len(attempts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No attempts.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tAMOUNT\tCHARGED\tUPDATED\tLAST ERROR")
			for _, at := range attempts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					at.ID, at.Status, at.Amount().StringFixed(2), at.Charged,
					at.UpdatedAt.Format(time.RFC3339), at.LastError)
			}
			return w.Flush()
		},
	}
}

func retryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <attempt-id>",
		Short: "Re-run verification for a retained attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := a.coord.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), outcome)
		},
	}
}

func discardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <attempt-id>",
		Short: "Forget an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.coord.Discard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
			return nil
		},
	}
}

func reconcileCmd(a *app) *cobra.Command {
	var windowDays int

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run the server's reconciliation sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := a.api.Reconcile(cmd.Context(), windowDays)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s: checked %d, issues %d, repairs %d\n",
				summary.RunID, summary.Checked, summary.IssuesFound, len(summary.Repairs))
			for _, is := range summary.Issues {
				fmt.Fprintf(out, "  issue   %-16s %s %s\n", is.Kind, is.Reference, is.Detail)
			}
			for _, r := range summary.Repairs {
				fmt.Fprintf(out, "  repair  %-16s %s %s\n", r.Action, r.Reference, r.OrderID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&windowDays, "window-days", 0, "Days to look back, 0 for the server default")
	return cmd
}

func readIntent(path string) (models.OrderIntent, error) {
	var intent models.OrderIntent

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return intent, fmt.Errorf("failed to read intent: %w", err)
	}
	if err := json.Unmarshal(data, &intent); err != nil {
		return intent, fmt.Errorf("failed to parse intent: %w", err)
	}
	return intent, nil
}

var errNotCompleted = errors.New("payment did not complete")

func report(out io.Writer, o coordinator.Outcome) error {
	switch o.Kind {
	case coordinator.OutcomeCompleted:
		fmt.Fprintf(out, "Order %s (%s)\n", o.OrderID, o.Channel)
		return nil
	case coordinator.OutcomeSkipped:
		fmt.Fprintln(out, "Nothing to do for this attempt.")
		return nil
	case coordinator.OutcomeCancelled:
		fmt.Fprintln(out, "Payment cancelled.")
		return nil
	default:
		if o.Err != nil {
			return fmt.Errorf("%w: %s: %w", errNotCompleted, o.Kind, o.Err)
		}
		return fmt.Errorf("%w: %s", errNotCompleted, o.Kind)
	}
}
