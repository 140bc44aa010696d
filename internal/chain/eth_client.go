package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"darkpool/internal/contracts"
)

const defaultPollInterval = 2 * time.Second

// EthClient talks to an EVM node over JSON-RPC and signs with locally held keys.
type EthClient struct {
	mu      sync.RWMutex
	client  *ethclient.Client
	chainID *big.Int

	networks     map[uint64]string
	keys         map[common.Address]*ecdsa.PrivateKey
	pollInterval time.Duration
	logger       *zap.Logger
}

type EthClientConfig struct {
	RPCURL string
	// Networks maps chain ids to RPC URLs that SwitchNetwork may dial.
	Networks     map[uint64]string
	PrivateKeys  []string
	PollInterval time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig, logger *zap.Logger) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	keys := make(map[common.Address]*ecdsa.PrivateKey, len(cfg.PrivateKeys))
	for _, raw := range cfg.PrivateKeys {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		pk, err := parsePrivateKey(raw)
		if err != nil {
			return nil, err
		}
		keys[crypto.PubkeyToAddress(pk.PublicKey)] = pk
	}

	cli, chainID, err := dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}

	networks := make(map[uint64]string, len(cfg.Networks)+1)
	for id, url := range cfg.Networks {
		networks[id] = url
	}
	if _, ok := networks[chainID.Uint64()]; !ok {
		networks[chainID.Uint64()] = cfg.RPCURL
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	logger.Info("chain client connected",
		zap.Uint64("chain_id", chainID.Uint64()),
		zap.Int("signers", len(keys)))

	return &EthClient{
		client:       cli,
		chainID:      chainID,
		networks:     networks,
		keys:         keys,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

func dial(ctx context.Context, url string) (*ethclient.Client, *big.Int, error) {
	cli, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, nil, fmt.Errorf("fetch chain id: %w", err)
	}
	return cli, chainID, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) current() (*ethclient.Client, *big.Int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, c.chainID
}

// Accounts lists the addresses this client can sign for, sorted.
func (c *EthClient) Accounts() []common.Address {
	out := make([]common.Address, 0, len(c.keys))
	for addr := range c.keys {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

func (c *EthClient) ReadContract(ctx context.Context, d contracts.Descriptor, method string, args ...interface{}) ([]interface{}, error) {
	data, err := d.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s.%s: %w", d.Name, method, err)
	}

	cli, _ := c.current()
	out, err := cli.CallContract(ctx, ethereum.CallMsg{To: &d.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s.%s: %w", ErrReadUnavailable, d.Name, method, err)
	}

	values, err := d.ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s.%s: %w", ErrReadUnavailable, d.Name, method, err)
	}
	return values, nil
}

func (c *EthClient) WriteContract(ctx context.Context, d contracts.Descriptor, account common.Address, method string, args ...interface{}) (Handle, error) {
	key, ok := c.keys[account]
	if !ok {
		return Handle{}, fmt.Errorf("%w: no signer for %s", ErrSignatureRejected, account.Hex())
	}

	cli, chainID := c.current()
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: transactor: %w", ErrSignatureRejected, err)
	}
	opts.Context = ctx
	opts.GasLimit = 0 // let node estimate

	bound := bind.NewBoundContract(d.Address, d.ABI, cli, cli, cli)
	tx, err := bound.Transact(opts, method, args...)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s.%s: %w", ErrSubmissionFailed, d.Name, method, err)
	}

	c.logger.Info("transaction sent",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.String("contract", d.Name),
		zap.String("method", method),
		zap.String("from", account.Hex()),
		zap.Uint64("nonce", tx.Nonce()))

	return Handle{
		Hash:        tx.Hash(),
		Account:     account,
		Contract:    d.Address,
		Method:      method,
		SubmittedAt: time.Now(),
	}, nil
}

func (c *EthClient) WaitForReceipt(ctx context.Context, h Handle, timeout time.Duration) (Receipt, error) {
	return waitForReceipt(ctx, c.transactionReceipt, h.Hash, timeout, c.pollInterval)
}

// transactionReceipt always asks the currently selected node.
func (c *EthClient) transactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	cli, _ := c.current()
	return cli.TransactionReceipt(ctx, hash)
}

type receiptFunc func(ctx context.Context, hash common.Hash) (*types.Receipt, error)

// waitForReceipt polls until the transaction is mined or the timeout elapses. Lookup errors,
// including "not found", are treated as "not yet mined".
func waitForReceipt(ctx context.Context, fetch receiptFunc, hash common.Hash, timeout, poll time.Duration) (Receipt, error) {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := fetch(waitCtx, hash)
		if err == nil && receipt != nil {
			out := Receipt{Status: ReceiptConfirmed, GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status == types.ReceiptStatusFailed {
				out.Status = ReceiptFailed
			}
			return out, nil
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return Receipt{Status: ReceiptTimedOut}, err
			}
			return Receipt{Status: ReceiptTimedOut}, nil
		case <-ticker.C:
		}
	}
}

func (c *EthClient) CurrentNetwork(ctx context.Context) (uint64, error) {
	cli, _ := c.current()
	id, err := cli.ChainID(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: chain id: %w", ErrReadUnavailable, err)
	}
	return id.Uint64(), nil
}

func (c *EthClient) SwitchNetwork(ctx context.Context, chainID uint64) error {
	url, ok := c.networks[chainID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNetwork, chainID)
	}

	cli, id, err := dial(ctx, url)
	if err != nil {
		return err
	}
	if id.Uint64() != chainID {
		cli.Close()
		return fmt.Errorf("rpc %s serves chain %d, expected %d", url, id.Uint64(), chainID)
	}

	c.mu.Lock()
	old := c.client
	c.client = cli
	c.chainID = id
	c.mu.Unlock()
	old.Close()

	c.logger.Info("switched network", zap.Uint64("chain_id", chainID))
	return nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	cli, _ := c.current()
	if cli == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := cli.BlockNumber(ctx)
	return err
}

func (c *EthClient) Close() {
	cli, _ := c.current()
	if cli != nil {
		cli.Close()
	}
}
