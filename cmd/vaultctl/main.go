// Command vaultctl drives deposits and reads vault stats from the terminal.
//
//	vaultctl deposit --account 0x... [--amount 10]
//	vaultctl stats [--account 0x...]
//	vaultctl history --account 0x... [--limit 20]
//	vaultctl network [--chain-id 84532]
//
// Every darkpool configuration flag and DARKPOOL_* variable is accepted as well.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"darkpool/internal/app"
	"darkpool/internal/config"
	"darkpool/internal/contracts"
	"darkpool/internal/deposit"
)

const usage = `usage: vaultctl <command> [flags]

commands:
  deposit   approve if needed, then deposit into the vault
  stats     print vault stats and, with --account, the account's position
  history   list journaled deposit attempts for an account
  network   show the current network, or switch with --chain-id
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "vaultctl:", err)
		os.Exit(1)
	}
}

type cli struct {
	out     io.Writer
	account string
	amount  string
	limit   int
	chainID uint64
	verbose bool
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(out, usage)
		return nil
	}
	command, args := args[0], args[1:]

	c := &cli{out: out}
	fs := config.FlagSet("vaultctl " + command)
	fs.StringVar(&c.account, "account", "", "account address")
	fs.StringVar(&c.amount, "amount", "", "deposit amount in token units (defaults to deposit.amount)")
	fs.IntVar(&c.limit, "limit", 20, "maximum history entries")
	fs.Uint64Var(&c.chainID, "chain-id", 0, "network to switch to")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "log component activity to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var handler func(context.Context, *app.App) error
	switch command {
	case "deposit":
		handler = c.deposit
	case "stats":
		handler = c.stats
	case "history":
		handler = c.history
	case "network":
		handler = c.network
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	if c.verbose {
		if logger, err = app.NewLogger(cfg.Production()); err != nil {
			return err
		}
		defer logger.Sync()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return handler(ctx, a)
}

func (c *cli) requireAccount() (common.Address, error) {
	if !common.IsHexAddress(c.account) {
		return common.Address{}, fmt.Errorf("--account: invalid address %q", c.account)
	}
	return common.HexToAddress(c.account), nil
}

func (c *cli) deposit(ctx context.Context, a *app.App) error {
	account, err := c.requireAccount()
	if err != nil {
		return err
	}
	amount := a.Config.Deposit.Amount
	if c.amount != "" {
		if amount, err = contracts.ParseUnits(c.amount, a.Config.Token.Decimals); err != nil {
			return err
		}
	}

	unsubscribe := a.Orchestrator.Subscribe(func(ev deposit.Event) {
		line := fmt.Sprintf("%s  %-17s", ev.At.Format(time.TimeOnly), ev.State)
		if ev.Step != "" {
			line += "  step=" + string(ev.Step)
		}
		if ev.Submitted() {
			line += "  tx=" + ev.TxHash.Hex()
		}
		if ev.Err != nil {
			line += "  error=" + ev.Err.Error()
		}
		fmt.Fprintln(c.out, line)
	})
	defer unsubscribe()

	fmt.Fprintf(c.out, "depositing %s %s from %s\n",
		contracts.FormatUnits(amount, a.Config.Token.Decimals), a.Config.Token.Symbol, account.Hex())

	out, err := a.Orchestrator.RequestDeposit(ctx, amount, account)
	if err != nil {
		if errors.Is(err, deposit.ErrUserRejectedSignature) && len(a.Accounts) > 0 {
			return fmt.Errorf("%w (no signer key for %s)", err, account.Hex())
		}
		return err
	}
	fmt.Fprintf(c.out, "attempt %s completed in %s\n", out.AttemptID, out.FinishedAt.Sub(out.StartedAt).Round(time.Millisecond))
	fmt.Fprintln(c.out, "vault:", contracts.ExplorerURL(a.Reader.Vault().Address))
	return nil
}

func (c *cli) stats(ctx context.Context, a *app.App) error {
	decimals, symbol := a.Config.Token.Decimals, a.Config.Token.Symbol

	vs, err := a.Stats.RefreshVaultStats(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "vault\t%s\n", a.Reader.Vault().Address.Hex())
	fmt.Fprintf(w, "total deposited\t%s %s\n", contracts.FormatUnits(vs.TotalDeposited, decimals), symbol)
	fmt.Fprintf(w, "total users\t%d\n", vs.TotalUsers)
	fmt.Fprintf(w, "vault balance\t%s %s\n", contracts.FormatUnits(vs.VaultTokenBalance, decimals), symbol)

	if c.account != "" {
		account, err := c.requireAccount()
		if err != nil {
			return err
		}
		us, err := a.Stats.RefreshUserStats(ctx, account)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "account\t%s\n", account.Hex())
		fmt.Fprintf(w, "deposited\t%s %s\n", contracts.FormatUnits(us.Deposited, decimals), symbol)
		fmt.Fprintf(w, "deposits\t%d\n", us.DepositCount)
		fmt.Fprintf(w, "wallet balance\t%s %s\n", contracts.FormatUnits(us.Balance, decimals), symbol)
		fmt.Fprintf(w, "allowance\t%s %s\n", contracts.FormatUnits(us.Allowance, decimals), symbol)
	}
	return w.Flush()
}

func (c *cli) history(ctx context.Context, a *app.App) error {
	account, err := c.requireAccount()
	if err != nil {
		return err
	}
	records, err := a.Journal.ListByAccount(ctx, account.Hex(), c.limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(c.out, "no deposit attempts recorded")
		return nil
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tAMOUNT\tSTATE\tREASON")
	for _, rec := range records {
		amount, err := contracts.ParseBaseUnits(rec.Amount)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.CreatedAt.Format(time.DateTime),
			contracts.FormatUnits(amount, a.Config.Token.Decimals), rec.State, rec.Reason)
	}
	return w.Flush()
}

func (c *cli) network(ctx context.Context, a *app.App) error {
	if c.chainID != 0 {
		if err := a.Chain.SwitchNetwork(ctx, c.chainID); err != nil {
			return err
		}
	}
	current, err := a.Chain.CurrentNetwork(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "current %d\nexpected %d\n", current, a.Config.Chain.ExpectedChainID)
	fmt.Fprintf(c.out, "known %v\n", a.Config.Chain.NetworkIDs())
	if current != a.Config.Chain.ExpectedChainID {
		fmt.Fprintln(c.out, "deposits will be refused on this network")
	}
	return nil
}
