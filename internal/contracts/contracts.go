package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Base Sepolia deployment used by the mini-app.
const (
	BaseSepoliaChainID uint64 = 84532

	DefaultVaultAddress = "0xB85b0BA54C50738AB362A7947C94DFf20660dD7d"
	DefaultTokenAddress = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // USDC

	DefaultTokenSymbol   = "USDC"
	DefaultTokenDecimals = 6

	// 10 USDC in base units.
	DefaultDepositAmount = "10000000"

	ExplorerBaseURL = "https://base-sepolia.blockscout.com"
)

// Vault methods.
const (
	MethodDeposit       = "deposit"
	MethodGetVaultStats = "getVaultStats"
	MethodGetUserStats  = "getUserStats"
)

// Token methods.
const (
	MethodApprove   = "approve"
	MethodBalanceOf = "balanceOf"
	MethodAllowance = "allowance"
)

// VaultABI is the subset of the DarkPool vault interface the client uses.
const VaultABI = `[
	{
		"inputs": [{"internalType": "uint256", "name": "_amount", "type": "uint256"}],
		"name": "deposit",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getVaultStats",
		"outputs": [
			{"internalType": "uint256", "name": "total", "type": "uint256"},
			{"internalType": "uint256", "name": "users", "type": "uint256"},
			{"internalType": "uint256", "name": "balance", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "_user", "type": "address"}],
		"name": "getUserStats",
		"outputs": [
			{"internalType": "uint256", "name": "deposited", "type": "uint256"},
			{"internalType": "uint256", "name": "count", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// TokenABI is the ERC-20 subset needed for approve-then-deposit.
const TokenABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "spender", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "owner", "type": "address"},
			{"internalType": "address", "name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// Descriptor pins a contract address to its parsed ABI.
type Descriptor struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
}

// HasMethod reports whether the descriptor's ABI declares method.
func (d Descriptor) HasMethod(method string) bool {
	_, ok := d.ABI.Methods[method]
	return ok
}

// NewVault parses the vault ABI and binds it to address.
func NewVault(address string) (Descriptor, error) {
	return newDescriptor("vault", address, VaultABI)
}

// NewToken parses the token ABI and binds it to address.
func NewToken(address string) (Descriptor, error) {
	return newDescriptor("token", address, TokenABI)
}

func newDescriptor(name, address, rawABI string) (Descriptor, error) {
	if !common.IsHexAddress(address) {
		return Descriptor{}, fmt.Errorf("invalid %s address %q", name, address)
	}
	parsed, err := abi.JSON(strings.NewReader(rawABI))
	if err != nil {
		return Descriptor{}, fmt.Errorf("parse %s abi: %w", name, err)
	}
	return Descriptor{
		Name:    name,
		Address: common.HexToAddress(address),
		ABI:     parsed,
	}, nil
}

// ExplorerURL links to the contract on the Base Sepolia block explorer.
func ExplorerURL(address common.Address) string {
	return ExplorerBaseURL + "/address/" + address.Hex()
}
