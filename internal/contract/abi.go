// Package contract provides ABI bindings for the marketplace contracts.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract call errors
var (
	ErrContractNotConfigured = errors.New("contract address not configured")
	ErrEmptyResult           = errors.New("empty contract call result")
)

// Caller executes read-only contract calls. *blockchain.Client implements it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TokenABI is the ABI of the marketplace token.
//
//	function balanceOf(address account) external view returns (uint256);
//	function approve(address spender, uint256 amount) external returns (bool);
//	function redeemBonus(uint256 amount) external;
//	event Transfer(address indexed from, address indexed to, uint256 value);
const TokenABI = `[
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "approve",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "redeemBonus",
		"inputs": [{"name": "amount", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "Transfer",
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "value", "type": "uint256", "indexed": false}
		]
	}
]`

// MarketplaceABI is the ABI of the marketplace contract.
//
//	function createDeal(uint256 serviceId) external;
//	function buyerCancelDeal(uint256 dealId) external;
//	function providerCancelDeal(uint256 dealId) external;
//	function buyerValidateDeal(uint256 dealId) external;
//	function providerValidateDeal(uint256 dealId) external;
//	function createService(uint256 price, uint256 totalSupply, bool, bool, bool, bool) external;
//	function updateService(uint256 serviceId, uint256 price, uint256 totalSupply, bool, bool, bool, bool) external;
//	function grantRole(bytes32 role, address account) external;
//	function hasRole(bytes32 role, address account) external view returns (bool);
const MarketplaceABI = `[
	{
		"type": "function",
		"name": "createDeal",
		"inputs": [{"name": "serviceId", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "buyerCancelDeal",
		"inputs": [{"name": "dealId", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "providerCancelDeal",
		"inputs": [{"name": "dealId", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "buyerValidateDeal",
		"inputs": [{"name": "dealId", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "providerValidateDeal",
		"inputs": [{"name": "dealId", "type": "uint256"}],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "createService",
		"inputs": [
			{"name": "price", "type": "uint256"},
			{"name": "totalSupply", "type": "uint256"},
			{"name": "buyerCanCancel", "type": "bool"},
			{"name": "providerCanCancel", "type": "bool"},
			{"name": "buyerCanValidate", "type": "bool"},
			{"name": "providerCanValidate", "type": "bool"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "updateService",
		"inputs": [
			{"name": "serviceId", "type": "uint256"},
			{"name": "price", "type": "uint256"},
			{"name": "totalSupply", "type": "uint256"},
			{"name": "buyerCanCancel", "type": "bool"},
			{"name": "providerCanCancel", "type": "bool"},
			{"name": "buyerCanValidate", "type": "bool"},
			{"name": "providerCanValidate", "type": "bool"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "grantRole",
		"inputs": [
			{"name": "role", "type": "bytes32"},
			{"name": "account", "type": "address"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "hasRole",
		"inputs": [
			{"name": "role", "type": "bytes32"},
			{"name": "account", "type": "address"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "DealCreated",
		"inputs": [
			{"name": "dealId", "type": "uint256", "indexed": true},
			{"name": "serviceId", "type": "uint256", "indexed": true},
			{"name": "buyer", "type": "address", "indexed": false},
			{"name": "provider", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "DealValidated",
		"inputs": [
			{"name": "dealId", "type": "uint256", "indexed": true},
			{"name": "serviceId", "type": "uint256", "indexed": true},
			{"name": "buyer", "type": "address", "indexed": false},
			{"name": "provider", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "DealCancelled",
		"inputs": [
			{"name": "dealId", "type": "uint256", "indexed": true},
			{"name": "serviceId", "type": "uint256", "indexed": true},
			{"name": "buyer", "type": "address", "indexed": false},
			{"name": "provider", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "ServiceCreated",
		"inputs": [
			{"name": "serviceId", "type": "uint256", "indexed": true},
			{"name": "provider", "type": "address", "indexed": true},
			{"name": "price", "type": "uint256", "indexed": false},
			{"name": "totalSupply", "type": "uint256", "indexed": false}
		]
	}
]`

// ForwarderABI is the ABI of the ERC-2771 trusted forwarder.
//
//	function getNonce(address from) external view returns (uint256);
//	function execute(ForwardRequest req, bytes signature) external payable returns (bool, bytes);
const ForwarderABI = `[
	{
		"type": "function",
		"name": "getNonce",
		"inputs": [{"name": "from", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "execute",
		"inputs": [
			{
				"name": "req",
				"type": "tuple",
				"components": [
					{"name": "from", "type": "address"},
					{"name": "to", "type": "address"},
					{"name": "value", "type": "uint256"},
					{"name": "gas", "type": "uint256"},
					{"name": "nonce", "type": "uint256"},
					{"name": "data", "type": "bytes"}
				]
			},
			{"name": "signature", "type": "bytes"}
		],
		"outputs": [
			{"name": "", "type": "bool"},
			{"name": "", "type": "bytes"}
		],
		"stateMutability": "payable"
	}
]`

var (
	tokenABI       = mustParseABI(TokenABI)
	marketplaceABI = mustParseABI(MarketplaceABI)
	forwarderABI   = mustParseABI(ForwarderABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}

// call packs a view method, executes it against the latest block and unpacks the single result.
func call(ctx context.Context, caller Caller, parsed abi.ABI, address common.Address, out interface{}, method string, args ...interface{}) error {
	if address == (common.Address{}) {
		return ErrContractNotConfigured
	}

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return err
	}

	msg := ethereum.CallMsg{
		To:   &address,
		Data: data,
	}

	result, err := caller.CallContract(ctx, msg, nil)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		return fmt.Errorf("%s: %w", method, ErrEmptyResult)
	}

	return parsed.UnpackIntoInterface(out, method, result)
}
