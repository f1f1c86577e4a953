package contract

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// Marketplace errors
var (
	ErrInvalidServiceParams = errors.New("invalid service parameters")
	ErrInvalidDealID        = errors.New("invalid deal id")
)

// ProviderRole is the role a wallet must hold to create services.
var ProviderRole = crypto.Keccak256Hash([]byte("PROVIDER_ROLE"))

// UnlimitedSupply is sent on-chain when a service has no supply limit.
var UnlimitedSupply = new(big.Int).Set(math.MaxBig256)

// ServiceParams represents the arguments of createService and updateService.
type ServiceParams struct {
	// ServiceID is only used by updateService.
	ServiceID           *big.Int
	Price               *big.Int
	TotalSupply         *big.Int
	BuyerCanCancel      bool
	ProviderCanCancel   bool
	BuyerCanValidate    bool
	ProviderCanValidate bool
}

// supply maps a zero (or missing) total supply to the unlimited sentinel.
func (p *ServiceParams) supply() *big.Int {
	if p.TotalSupply == nil || p.TotalSupply.Sign() == 0 {
		return UnlimitedSupply
	}
	return p.TotalSupply
}

func (p *ServiceParams) validate() error {
	if p == nil || p.Price == nil || p.Price.Sign() < 0 {
		return ErrInvalidServiceParams
	}
	if p.TotalSupply != nil && p.TotalSupply.Sign() < 0 {
		return ErrInvalidServiceParams
	}
	return nil
}

// MarketplaceContract provides methods to interact with the marketplace contract.
type MarketplaceContract struct {
	address common.Address
	caller  Caller
}

// NewMarketplaceContract creates a new marketplace contract instance.
func NewMarketplaceContract(address common.Address, caller Caller) *MarketplaceContract {
	return &MarketplaceContract{
		address: address,
		caller:  caller,
	}
}

// Address returns the contract address.
func (c *MarketplaceContract) Address() common.Address {
	return c.address
}

// PackCreateDeal packs the createDeal function call data.
func (c *MarketplaceContract) PackCreateDeal(serviceID *big.Int) ([]byte, error) {
	if serviceID == nil || serviceID.Sign() < 0 {
		return nil, ErrInvalidServiceParams
	}
	return marketplaceABI.Pack("createDeal", serviceID)
}

// PackCancelDeal packs buyerCancelDeal or providerCancelDeal.
func (c *MarketplaceContract) PackCancelDeal(dealID *big.Int, asBuyer bool) ([]byte, error) {
	if dealID == nil || dealID.Sign() < 0 {
		return nil, ErrInvalidDealID
	}
	if asBuyer {
		return marketplaceABI.Pack("buyerCancelDeal", dealID)
	}
	return marketplaceABI.Pack("providerCancelDeal", dealID)
}

// PackValidateDeal packs buyerValidateDeal or providerValidateDeal.
func (c *MarketplaceContract) PackValidateDeal(dealID *big.Int, asBuyer bool) ([]byte, error) {
	if dealID == nil || dealID.Sign() < 0 {
		return nil, ErrInvalidDealID
	}
	if asBuyer {
		return marketplaceABI.Pack("buyerValidateDeal", dealID)
	}
	return marketplaceABI.Pack("providerValidateDeal", dealID)
}

// PackCreateService packs the createService function call data.
func (c *MarketplaceContract) PackCreateService(params *ServiceParams) ([]byte, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return marketplaceABI.Pack(
		"createService",
		params.Price,
		params.supply(),
		params.BuyerCanCancel,
		params.ProviderCanCancel,
		params.BuyerCanValidate,
		params.ProviderCanValidate,
	)
}

// PackUpdateService packs the updateService function call data.
func (c *MarketplaceContract) PackUpdateService(params *ServiceParams) ([]byte, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if params.ServiceID == nil || params.ServiceID.Sign() < 0 {
		return nil, ErrInvalidServiceParams
	}
	return marketplaceABI.Pack(
		"updateService",
		params.ServiceID,
		params.Price,
		params.supply(),
		params.BuyerCanCancel,
		params.ProviderCanCancel,
		params.BuyerCanValidate,
		params.ProviderCanValidate,
	)
}

// PackGrantRole packs the grantRole function call data.
func (c *MarketplaceContract) PackGrantRole(role common.Hash, account common.Address) ([]byte, error) {
	return marketplaceABI.Pack("grantRole", role, account)
}

// HasRole checks whether an account holds a role.
func (c *MarketplaceContract) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	var granted bool
	if err := call(ctx, c.caller, marketplaceABI, c.address, &granted, "hasRole", role, account); err != nil {
		return false, err
	}
	return granted, nil
}

// EventTopic returns the topic of a marketplace event by name.
func (c *MarketplaceContract) EventTopic(name string) common.Hash {
	return marketplaceABI.Events[name].ID
}
