package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"darkpool/internal/contracts"
)

const envPrefix = "DARKPOOL"

// Keys double as flag names; the env form is DARKPOOL_ + upper(key with . -> _).
const (
	KeyHTTPPort         = "http.port"
	KeyHMACSecret       = "hmac.secret"
	KeyHMACClockSkew    = "hmac.clock_skew"
	KeyJournalPath      = "journal.path"
	KeyJournalDSN       = "journal.dsn"
	KeyJournalRetention = "journal.retention"
	KeyExpectedChainID  = "chain.expected_id"
	KeyRPCURL           = "chain.rpc_url"
	KeyNetworks         = "chain.networks"
	KeyPrivateKeys      = "chain.private_keys"
	KeyDevAccounts      = "chain.dev_accounts"
	KeyConfirmTimeout   = "chain.confirm_timeout"
	KeyPollInterval     = "chain.poll_interval"
	KeyVault            = "contracts.vault"
	KeyToken            = "contracts.token"
	KeyTokenSymbol      = "token.symbol"
	KeyTokenDecimals    = "token.decimals"
	KeyDepositAmount    = "deposit.amount"
	KeyRefreshDelay     = "stats.refresh_delay"
	KeyStatsPoll        = "stats.poll_interval"
	KeyDeployments      = "deployments"
	KeyEnv              = "env"
)

const defaultRPCURL = "https://sepolia.base.org"

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID   uint64 `json:"chainId"`
	Contracts struct {
		Vault string `json:"DarkPoolVault"`
		Token string `json:"USDC"`
	} `json:"contracts"`
}

// AppConfig ties together deployment info and derived values.
type AppConfig struct {
	Env        string
	Deployment *DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Contracts  ContractsConfig
	Token      TokenConfig
	Deposit    DepositConfig
	Stats      StatsConfig
}

func (c *AppConfig) Production() bool {
	return c.Env == "production"
}

type ServiceConfig struct {
	HTTPPort         int
	HMACSecret       string
	HMACClockSkew    time.Duration
	JournalPath      string
	JournalDSN       string
	JournalRetention time.Duration
}

type ChainConfig struct {
	ExpectedChainID uint64
	RPCURL          string
	// Networks maps chain ids to RPC URLs; always includes ExpectedChainID.
	Networks       map[uint64]string
	PrivateKeys    []string
	// DevAccounts are funded on the simulated chain used when no key is configured.
	DevAccounts    []string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

type ContractsConfig struct {
	Vault string
	Token string
}

type TokenConfig struct {
	Symbol   string
	Decimals int32
}

type DepositConfig struct {
	// Amount in token base units.
	Amount *big.Int
}

type StatsConfig struct {
	RefreshDelay time.Duration
	PollInterval time.Duration
}

// FlagSet returns a flag set carrying every configuration key with its default. Callers may
// add their own flags before parsing.
func FlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	fs.Int(KeyHTTPPort, 3000, "HTTP listen port")
	fs.String(KeyHMACSecret, "", "shared secret for signed write requests (empty disables)")
	fs.Duration(KeyHMACClockSkew, 60*time.Second, "allowed signature timestamp skew")
	fs.String(KeyJournalPath, filepath.Join(os.TempDir(), "darkpool-journal.json"), "file journal path")
	fs.String(KeyJournalDSN, "", "Postgres DSN; takes precedence over the file journal")
	fs.Duration(KeyJournalRetention, 30*24*time.Hour, "how long deposit records are kept (0 keeps forever)")
	fs.Uint64(KeyExpectedChainID, contracts.BaseSepoliaChainID, "chain id deposits must be submitted on")
	fs.String(KeyRPCURL, defaultRPCURL, "JSON-RPC endpoint")
	fs.String(KeyNetworks, "", "extra networks for switching, as id=url,id=url")
	fs.String(KeyPrivateKeys, "", "comma separated hex signer keys (empty runs the simulated chain)")
	fs.String(KeyDevAccounts, "", "comma separated accounts funded on the simulated chain")
	fs.Duration(KeyConfirmTimeout, 60*time.Second, "how long to wait for each receipt")
	fs.Duration(KeyPollInterval, 2*time.Second, "receipt poll interval")
	fs.String(KeyVault, contracts.DefaultVaultAddress, "vault contract address")
	fs.String(KeyToken, contracts.DefaultTokenAddress, "token contract address")
	fs.String(KeyTokenSymbol, contracts.DefaultTokenSymbol, "token display symbol")
	fs.Int32(KeyTokenDecimals, contracts.DefaultTokenDecimals, "token decimals")
	fs.String(KeyDepositAmount, contracts.DefaultDepositAmount, "default deposit in base units")
	fs.Duration(KeyRefreshDelay, 4*time.Second, "delay before re-reading stats after a deposit")
	fs.Duration(KeyStatsPoll, 30*time.Second, "stats poll interval (0 disables)")
	fs.String(KeyDeployments, "", "optional deployments.json path")
	fs.String(KeyEnv, "development", "runtime environment (production switches to JSON logs)")

	return fs
}

// Load parses args and builds the configuration.
func Load(args []string) (*AppConfig, error) {
	fs := FlagSet("darkpool")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags resolves every key from, in order of precedence: parsed flags, the environment
// (including a .env file), deployments.json, and flag defaults.
func FromFlags(fs *pflag.FlagSet) (*AppConfig, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	// hydro-style deployments use a bare ENV variable.
	if err := v.BindEnv(KeyEnv, envPrefix+"_ENV", "ENV"); err != nil {
		return nil, err
	}

	var deployment *DeploymentConfig
	if path := v.GetString(KeyDeployments); path != "" {
		d, err := loadDeployments(path)
		if err != nil {
			return nil, fmt.Errorf("load deployments: %w", err)
		}
		deployment = d
		if d.ChainID != 0 && !v.IsSet(KeyExpectedChainID) {
			v.Set(KeyExpectedChainID, d.ChainID)
		}
		if d.Contracts.Vault != "" && !v.IsSet(KeyVault) {
			v.Set(KeyVault, d.Contracts.Vault)
		}
		if d.Contracts.Token != "" && !v.IsSet(KeyToken) {
			v.Set(KeyToken, d.Contracts.Token)
		}
	}

	cfg := &AppConfig{
		Env:        v.GetString(KeyEnv),
		Deployment: deployment,
		Service: ServiceConfig{
			HTTPPort:         v.GetInt(KeyHTTPPort),
			HMACSecret:       v.GetString(KeyHMACSecret),
			HMACClockSkew:    v.GetDuration(KeyHMACClockSkew),
			JournalPath:      v.GetString(KeyJournalPath),
			JournalDSN:       v.GetString(KeyJournalDSN),
			JournalRetention: v.GetDuration(KeyJournalRetention),
		},
		Chain: ChainConfig{
			ExpectedChainID: v.GetUint64(KeyExpectedChainID),
			RPCURL:          v.GetString(KeyRPCURL),
			PrivateKeys:     splitList(v.GetString(KeyPrivateKeys)),
			DevAccounts:     splitList(v.GetString(KeyDevAccounts)),
			ConfirmTimeout:  v.GetDuration(KeyConfirmTimeout),
			PollInterval:    v.GetDuration(KeyPollInterval),
		},
		Contracts: ContractsConfig{
			Vault: v.GetString(KeyVault),
			Token: v.GetString(KeyToken),
		},
		Token: TokenConfig{
			Symbol:   v.GetString(KeyTokenSymbol),
			Decimals: v.GetInt32(KeyTokenDecimals),
		},
		Stats: StatsConfig{
			RefreshDelay: v.GetDuration(KeyRefreshDelay),
			PollInterval: v.GetDuration(KeyStatsPoll),
		},
	}

	networks, err := parseNetworks(v.GetString(KeyNetworks))
	if err != nil {
		return nil, err
	}
	if _, ok := networks[cfg.Chain.ExpectedChainID]; !ok {
		networks[cfg.Chain.ExpectedChainID] = cfg.Chain.RPCURL
	}
	cfg.Chain.Networks = networks

	amount, err := contracts.ParseBaseUnits(v.GetString(KeyDepositAmount))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyDepositAmount, err)
	}
	cfg.Deposit.Amount = amount

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch {
	case c.Chain.ExpectedChainID == 0:
		return fmt.Errorf("%s must be set", KeyExpectedChainID)
	case !common.IsHexAddress(c.Contracts.Vault):
		return fmt.Errorf("%s: invalid address %q", KeyVault, c.Contracts.Vault)
	case !common.IsHexAddress(c.Contracts.Token):
		return fmt.Errorf("%s: invalid address %q", KeyToken, c.Contracts.Token)
	case c.Deposit.Amount.Sign() <= 0:
		return fmt.Errorf("%s must be positive", KeyDepositAmount)
	case c.Chain.ConfirmTimeout <= 0:
		return fmt.Errorf("%s must be positive", KeyConfirmTimeout)
	case c.Token.Decimals < 0:
		return fmt.Errorf("%s must not be negative", KeyTokenDecimals)
	}
	for _, account := range c.Chain.DevAccounts {
		if !common.IsHexAddress(account) {
			return fmt.Errorf("%s: invalid address %q", KeyDevAccounts, account)
		}
	}
	return nil
}

// NetworkIDs returns the configured chain ids in ascending order.
func (c ChainConfig) NetworkIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Networks))
	for id := range c.Networks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseNetworks(raw string) (map[uint64]string, error) {
	out := make(map[uint64]string)
	for _, entry := range splitList(raw) {
		id, url, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("%s: entry %q is not id=url", KeyNetworks, entry)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: chain id %q: %w", KeyNetworks, id, err)
		}
		out[chainID] = strings.TrimSpace(url)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
