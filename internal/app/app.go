// Package app assembles the deposit components from configuration. It is shared by the HTTP
// server and the CLI.
package app

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"darkpool/internal/chain"
	"darkpool/internal/config"
	"darkpool/internal/contracts"
	"darkpool/internal/deposit"
	"darkpool/internal/journal"
	"darkpool/internal/stats"
	"darkpool/internal/vault"
)

// devFundingMultiple is how many default deposits each dev account starts with.
const devFundingMultiple = 1000

type App struct {
	Config       *config.AppConfig
	Chain        chain.Client
	Reader       *vault.Reader
	Orchestrator *deposit.Orchestrator
	Stats        *stats.ViewModel
	Journal      journal.Store

	// Accounts the chain client can sign for. Empty for the simulated chain, which signs for anyone.
	Accounts []common.Address
	// Simulated is set when no signer key is configured.
	Simulated *chain.Simulated

	closers []func() error
}

// New wires the chain client, vault reader, orchestrator, stats view model and journal.
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*App, error) {
	vaultDesc, err := contracts.NewVault(cfg.Contracts.Vault)
	if err != nil {
		return nil, err
	}
	tokenDesc, err := contracts.NewToken(cfg.Contracts.Token)
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg}

	if len(cfg.Chain.PrivateKeys) > 0 {
		eth, err := chain.NewEthClient(ctx, chain.EthClientConfig{
			RPCURL:       cfg.Chain.RPCURL,
			Networks:     cfg.Chain.Networks,
			PrivateKeys:  cfg.Chain.PrivateKeys,
			PollInterval: cfg.Chain.PollInterval,
		}, logger.Named("chain"))
		if err != nil {
			return nil, fmt.Errorf("chain client: %w", err)
		}
		a.Chain = eth
		a.Accounts = eth.Accounts()
		a.closers = append(a.closers, func() error {
			eth.Close()
			return nil
		})
	} else {
		sim := chain.NewSimulated(cfg.Chain.ExpectedChainID, tokenDesc, vaultDesc)
		for id := range cfg.Chain.Networks {
			sim.AddNetwork(id)
		}
		funding := new(big.Int).Mul(cfg.Deposit.Amount, big.NewInt(devFundingMultiple))
		for _, account := range cfg.Chain.DevAccounts {
			sim.Mint(common.HexToAddress(account), funding)
		}
		logger.Warn("no signer key configured, using the simulated chain",
			zap.Uint64("chain_id", cfg.Chain.ExpectedChainID),
			zap.Int("dev_accounts", len(cfg.Chain.DevAccounts)))
		a.Chain = sim
		a.Simulated = sim
	}

	store, err := openJournal(ctx, cfg.Service, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Journal = store
	a.closers = append(a.closers, store.Close)

	a.Reader = vault.NewReader(a.Chain, vaultDesc, tokenDesc)
	a.Orchestrator = deposit.New(deposit.Options{
		Chain:           a.Chain,
		Reader:          a.Reader,
		ExpectedChainID: cfg.Chain.ExpectedChainID,
		ConfirmTimeout:  cfg.Chain.ConfirmTimeout,
		Logger:          logger.Named("deposit"),
	})
	a.Stats = stats.New(stats.Options{
		Reader:       a.Reader,
		RefreshDelay: cfg.Stats.RefreshDelay,
		PollInterval: cfg.Stats.PollInterval,
		Logger:       logger.Named("stats"),
	})
	a.closers = append(a.closers, func() error {
		a.Stats.Close()
		return nil
	})

	a.Orchestrator.Subscribe(a.Stats.HandleEvent)
	a.Orchestrator.Subscribe(journal.NewRecorder(store, cfg.Service.JournalRetention, logger.Named("journal")).HandleEvent)

	return a, nil
}

func openJournal(ctx context.Context, cfg config.ServiceConfig, logger *zap.Logger) (journal.Store, error) {
	if cfg.JournalDSN != "" {
		store, err := journal.NewPostgresStore(ctx, cfg.JournalDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres journal: %w", err)
		}
		logger.Info("journal backed by postgres")
		return store, nil
	}
	if cfg.JournalPath != "" {
		store, err := journal.NewFileStore(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("file journal: %w", err)
		}
		logger.Info("journal backed by file", zap.String("path", cfg.JournalPath))
		return store, nil
	}
	logger.Warn("journal kept in memory only")
	return journal.NewMemoryStore(), nil
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// NewLogger returns a production JSON logger when production is set, otherwise a development one.
func NewLogger(production bool) (*zap.Logger, error) {
	if production || os.Getenv("ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
