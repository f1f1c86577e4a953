package contract

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenContract provides methods to interact with the marketplace token.
type TokenContract struct {
	address common.Address
	caller  Caller
}

// NewTokenContract creates a new token contract instance.
func NewTokenContract(address common.Address, caller Caller) *TokenContract {
	return &TokenContract{
		address: address,
		caller:  caller,
	}
}

// Address returns the contract address.
func (c *TokenContract) Address() common.Address {
	return c.address
}

// BalanceOf queries the token balance of an account.
func (c *TokenContract) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	var balance *big.Int
	if err := call(ctx, c.caller, tokenABI, c.address, &balance, "balanceOf", account); err != nil {
		return nil, err
	}
	return balance, nil
}

// PackApprove packs the approve function call data.
func (c *TokenContract) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, errors.New("invalid approve amount")
	}
	return tokenABI.Pack("approve", spender, amount)
}

// PackRedeemBonus packs the redeemBonus function call data.
func (c *TokenContract) PackRedeemBonus(amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errors.New("invalid bonus amount")
	}
	return tokenABI.Pack("redeemBonus", amount)
}

// TransferEventTopic returns the topic for Transfer events.
func (c *TokenContract) TransferEventTopic() common.Hash {
	return tokenABI.Events["Transfer"].ID
}
