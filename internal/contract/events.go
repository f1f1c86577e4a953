package contract

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event decoding errors
var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformedLog = errors.New("malformed log")
)

// DealEventKind distinguishes the three deal lifecycle events.
type DealEventKind string

const (
	DealCreated   DealEventKind = "DealCreated"
	DealValidated DealEventKind = "DealValidated"
	DealCancelled DealEventKind = "DealCancelled"
)

// Event is a decoded contract log. Concrete types are
// *TransferEvent, *DealEvent and *ServiceCreatedEvent.
type Event interface {
	RawLog() types.Log
	event()
}

// TransferEvent represents the Transfer event from the token contract.
type TransferEvent struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
	Raw    types.Log
}

// IsMint reports whether the transfer originates from the zero address.
func (e *TransferEvent) IsMint() bool {
	return e.From == (common.Address{})
}

// DealEvent represents DealCreated, DealValidated and DealCancelled.
type DealEvent struct {
	Kind      DealEventKind
	DealID    *big.Int
	ServiceID *big.Int
	Buyer     common.Address
	Provider  common.Address
	Raw       types.Log
}

// ServiceCreatedEvent represents the ServiceCreated event from the marketplace.
type ServiceCreatedEvent struct {
	ServiceID   *big.Int
	Provider    common.Address
	Price       *big.Int
	TotalSupply *big.Int
	Raw         types.Log
}

func (e *TransferEvent) RawLog() types.Log       { return e.Raw }
func (e *DealEvent) RawLog() types.Log           { return e.Raw }
func (e *ServiceCreatedEvent) RawLog() types.Log { return e.Raw }

func (*TransferEvent) event()       {}
func (*DealEvent) event()           {}
func (*ServiceCreatedEvent) event() {}

// Decoder decodes token and marketplace logs into typed events.
type Decoder struct {
	events map[common.Hash]abi.Event
}

// NewDecoder creates a decoder for every event of the token and marketplace ABIs.
func NewDecoder() *Decoder {
	d := &Decoder{events: make(map[common.Hash]abi.Event)}
	for _, parsed := range []abi.ABI{tokenABI, marketplaceABI} {
		for _, ev := range parsed.Events {
			d.events[ev.ID] = ev
		}
	}
	return d
}

// Topic returns the topic hash of an event by name.
func (d *Decoder) Topic(name string) (common.Hash, bool) {
	for id, ev := range d.events {
		if ev.Name == name {
			return id, true
		}
	}
	return common.Hash{}, false
}

// Decode decodes a log into one of the typed events.
func (d *Decoder) Decode(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}
	ev, ok := d.events[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	fields, err := unpackLog(ev, log)
	if err != nil {
		return nil, err
	}

	switch ev.Name {
	case "Transfer":
		out := &TransferEvent{Raw: log}
		if err := assign(fields, map[string]interface{}{"from": &out.From, "to": &out.To, "value": &out.Amount}); err != nil {
			return nil, err
		}
		return out, nil

	case string(DealCreated), string(DealValidated), string(DealCancelled):
		out := &DealEvent{Kind: DealEventKind(ev.Name), Raw: log}
		if err := assign(fields, map[string]interface{}{
			"dealId":    &out.DealID,
			"serviceId": &out.ServiceID,
			"buyer":     &out.Buyer,
			"provider":  &out.Provider,
		}); err != nil {
			return nil, err
		}
		return out, nil

	case "ServiceCreated":
		out := &ServiceCreatedEvent{Raw: log}
		if err := assign(fields, map[string]interface{}{
			"serviceId":   &out.ServiceID,
			"provider":    &out.Provider,
			"price":       &out.Price,
			"totalSupply": &out.TotalSupply,
		}); err != nil {
			return nil, err
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
}

// unpackLog reads indexed arguments from topics and the rest from data.
func unpackLog(ev abi.Event, log types.Log) (map[string]interface{}, error) {
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s expects %d topics, got %d", ErrMalformedLog, ev.Name, len(indexed)+1, len(log.Topics))
	}

	fields := make(map[string]interface{})
	if err := ev.Inputs.UnpackIntoMap(fields, log.Data); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedLog, ev.Name, err)
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrMalformedLog, ev.Name, err)
	}
	return fields, nil
}

func assign(fields map[string]interface{}, targets map[string]interface{}) error {
	for name, target := range targets {
		value, ok := fields[name]
		if !ok {
			return fmt.Errorf("%w: missing field %s", ErrMalformedLog, name)
		}
		switch dst := target.(type) {
		case *common.Address:
			v, ok := value.(common.Address)
			if !ok {
				return fmt.Errorf("%w: field %s is %T", ErrMalformedLog, name, value)
			}
			*dst = v
		case **big.Int:
			v, ok := value.(*big.Int)
			if !ok {
				return fmt.Errorf("%w: field %s is %T", ErrMalformedLog, name, value)
			}
			*dst = v
		}
	}
	return nil
}
