package contract

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/skillmarket/market-chain/pkg/crypto"
)

// ErrInvalidForwardRequest is returned when a forward request cannot be encoded.
var ErrInvalidForwardRequest = errors.New("invalid forward request")

// ForwarderContract provides methods to interact with the trusted forwarder.
type ForwarderContract struct {
	address common.Address
	caller  Caller
}

// NewForwarderContract creates a new forwarder contract instance.
func NewForwarderContract(address common.Address, caller Caller) *ForwarderContract {
	return &ForwarderContract{
		address: address,
		caller:  caller,
	}
}

// Address returns the contract address.
func (c *ForwarderContract) Address() common.Address {
	return c.address
}

// GetNonce queries the forwarder nonce of an account.
func (c *ForwarderContract) GetNonce(ctx context.Context, from common.Address) (*big.Int, error) {
	var nonce *big.Int
	if err := call(ctx, c.caller, forwarderABI, c.address, &nonce, "getNonce", from); err != nil {
		return nil, err
	}
	return nonce, nil
}

// PackExecute packs the execute function call data.
func (c *ForwarderContract) PackExecute(req *crypto.ForwardRequest, signature []byte) ([]byte, error) {
	if req == nil || req.Value == nil || req.Gas == nil || req.Nonce == nil {
		return nil, ErrInvalidForwardRequest
	}
	if len(signature) != 65 {
		return nil, crypto.ErrInvalidSignatureLength
	}
	return forwarderABI.Pack("execute", *req, signature)
}
