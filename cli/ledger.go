package cli

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/star-ledger/api"
	"github.com/warp/star-ledger/catalog"
	"github.com/warp/star-ledger/ledger"
)

// ─── One-shot ledger commands ───────────────────────────────────────────────
// Each command opens the configured store, runs one coordinator operation
// and exits. They go through the same Coordinator as the server, so they
// are safe to run against a live database.

func init() {
	rootCmd.AddCommand(accountCmd, awardCmd, redeemCmd, balanceCmd, historyCmd, reconcileCmd, childCmd, demoCmd)
	accountCmd.AddCommand(accountOpenCmd)
	childCmd.AddCommand(childAddCmd, childListCmd)

	awardCmd.Flags().StringP("ref", "r", "", "Reference (task ID or note)")
	redeemCmd.Flags().StringP("ref", "r", "", "Reference (reward ID or note)")
	historyCmd.Flags().IntP("limit", "n", 0, "Show at most N events (0 = all)")
	reconcileCmd.Flags().Bool("repair", false, "Rewrite a drifted balance to the event sum")
	childAddCmd.Flags().String("id", "", "Child ID (generated when empty)")
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage ledger accounts",
}

var accountOpenCmd = &cobra.Command{
	Use:   "open ACCOUNT_ID",
	Short: "Open an account at 0 stars",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		acct, err := a.coord.OpenAccount(cmd.Context(), ledger.AccountID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "opened %s (version %d)\n", acct.ID, acct.Version)
		return nil
	}),
}

var awardCmd = &cobra.Command{
	Use:   "award ACCOUNT_ID AMOUNT",
	Short: "Credit stars to an account",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		amount, err := parseStars(args[1])
		if err != nil {
			return err
		}
		ref, _ := cmd.Flags().GetString("ref")
		res, err := a.coord.Award(cmd.Context(), ledger.AwardRequest{
			AccountID: ledger.AccountID(args[0]), Amount: amount, Reference: ref,
		})
		if err != nil {
			return err
		}
		printResult(cmd, res)
		return nil
	}),
}

var redeemCmd = &cobra.Command{
	Use:   "redeem ACCOUNT_ID COST",
	Short: "Spend stars from an account",
	Args:  cobra.ExactArgs(2),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		cost, err := parseStars(args[1])
		if err != nil {
			return err
		}
		ref, _ := cmd.Flags().GetString("ref")
		res, err := a.coord.Redeem(cmd.Context(), ledger.RedeemRequest{
			AccountID: ledger.AccountID(args[0]), Cost: cost, Reference: ref,
		})
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			return fmt.Errorf("not enough stars: has %d, needs %d (%d short)",
				insufficient.Available, insufficient.Requested, insufficient.Shortfall)
		}
		if err != nil {
			return err
		}
		printResult(cmd, res)
		return nil
	}),
}

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Show an account's balance",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		acct, err := a.coord.Account(cmd.Context(), ledger.AccountID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "%s: %d stars (version %d)\n", acct.ID, acct.Balance, acct.Version)
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history ACCOUNT_ID",
	Short: "List an account's ledger events, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ctx := cmd.Context()
		id := ledger.AccountID(args[0])
		limit, _ := cmd.Flags().GetInt("limit")

		if _, err := a.coord.Account(ctx, id); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WHEN\tKIND\tDELTA\tVERSION\tREFERENCE")
		h := a.coord.History(id)
		for n := 0; h.Next(ctx); n++ {
			if limit > 0 && n >= limit {
				break
			}
			ev := h.Event()
			fmt.Fprintf(tw, "%s\t%s\t%+d\t%d\t%s\n",
				ev.OccurredAt.Local().Format(time.DateTime), ev.Kind, ev.Delta, ev.Version, ev.Reference)
		}
		if err := h.Err(); err != nil {
			return err
		}
		return tw.Flush()
	}),
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile ACCOUNT_ID",
	Short: "Compare the cached balance with the event log",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ctx := cmd.Context()
		id := ledger.AccountID(args[0])
		repair, _ := cmd.Flags().GetBool("repair")

		var (
			report ledger.Report
			err    error
		)
		if repair {
			report, err = a.coord.Repair(ctx, id)
		} else {
			report, err = a.coord.Reconcile(ctx, id)
		}
		if err != nil {
			return err
		}

		status := "consistent"
		switch {
		case !report.Consistent && repair:
			status = fmt.Sprintf("repaired (was %d)", report.CachedBalance)
		case !report.Consistent:
			status = "DRIFTED"
		}
		fmt.Fprintf(out(cmd), "%s: cached %d, events %d over %d entries, %s\n",
			report.AccountID, report.CachedBalance, report.EventSum, report.EventCount, status)
		if !report.Consistent && !repair {
			return fmt.Errorf("account %s is inconsistent; rerun with --repair", id)
		}
		return nil
	}),
}

var childCmd = &cobra.Command{
	Use:   "child",
	Short: "Manage child profiles",
}

var childAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a child profile and open its account",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		child, acct, err := a.catalog.CreateChild(cmd.Context(), catalog.Child{ID: id, Name: args[0]})
		if err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "%s\t%s\t%d stars\n", child.ID, child.Name, acct.Balance)
		return nil
	}),
}

var childListCmd = &cobra.Command{
	Use:   "list",
	Short: "List child profiles with balances",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		ctx := cmd.Context()
		children, err := a.catalog.Children(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tSTARS")
		for _, c := range children {
			balance, err := a.coord.Balance(ctx, c.AccountID())
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\n", c.ID, c.Name, balance)
		}
		return tw.Flush()
	}),
}

var demoCmd = &cobra.Command{
	Use:   "demo [SCENARIO]",
	Short: "Load a demo household, or list them when no scenario is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		if len(args) == 0 {
			for _, sc := range api.Scenarios() {
				fmt.Fprintf(out(cmd), "%-12s %s\n", sc.ID, sc.Description)
			}
			return nil
		}
		if err := api.LoadScenario(cmd.Context(), a.catalog, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out(cmd), "loaded %s\n", args[0])
		return nil
	}),
}

// ─── helpers ────────────────────────────────────────────────────────────────

type appRunE func(cmd *cobra.Command, a *app, args []string) error

// withApp loads config, opens the store without metrics or publishing, and
// closes it after fn returns.
func withApp(fn appRunE) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func parseStars(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a whole number of stars", s)
	}
	return n, nil
}

func printResult(cmd *cobra.Command, res ledger.Result) {
	fmt.Fprintf(out(cmd), "%s %+d -> %d stars (event %s, version %d)\n",
		res.AccountID, res.Event.Delta, res.NewBalance, res.Event.ID, res.Version)
}
