package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skillmarket/market-chain/internal/metrics"
	"github.com/skillmarket/market-chain/pkg/circuitbreaker"
	"github.com/skillmarket/market-chain/pkg/logger"
	"go.uber.org/zap"
)

// Gas price errors
var (
	ErrGasAPIUnavailable = errors.New("gas price api unavailable")
	ErrGasAPIMalformed   = errors.New("malformed gas price api response")
)

// Gas price sources, used as metric labels.
const (
	GasSourceAPI       = "api"
	GasSourceNode      = "node"
	GasSourceLastKnown = "last_known"
	GasSourceDefault   = "default"
)

var gweiToWei = decimal.New(1, 9)

// GasPriceSuggester is the node fallback. *blockchain.Client implements it.
type GasPriceSuggester interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasOracleConfig is the configuration for the gas price oracle.
type GasOracleConfig struct {
	// APIURL is the third-party gas price endpoint. Empty disables the API.
	APIURL string
	// FastField is the dot-separated path of the fast price in the response, in gwei.
	FastField string
	// Timeout bounds one API request.
	Timeout time.Duration
	// CacheTTL is the time-to-live for a fetched price.
	CacheTTL time.Duration
	// Multiplier is applied to every fetched price (1.1 = 10% buffer).
	Multiplier float64
	// MaxGasPrice caps the returned price in wei.
	MaxGasPrice *big.Int
	// DefaultGasPrice is returned when every source fails and nothing was fetched before.
	DefaultGasPrice *big.Int
	// Breaker guards the API endpoint.
	Breaker *circuitbreaker.Config
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// GasOracle returns the gas price used for relayed transactions.
type GasOracle struct {
	cfg     *GasOracleConfig
	node    GasPriceSuggester
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker

	mu        sync.RWMutex
	cached    *big.Int
	fetchedAt time.Time
	lastKnown *big.Int
}

// NewGasOracle creates a new gas price oracle.
func NewGasOracle(cfg *GasOracleConfig, node GasPriceSuggester) *GasOracle {
	if cfg == nil {
		cfg = &GasOracleConfig{}
	}

	if cfg.FastField == "" {
		cfg.FastField = "fast"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 12 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1.0
	}
	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500e9) // 500 Gwei
	}
	if cfg.DefaultGasPrice == nil {
		cfg.DefaultGasPrice = big.NewInt(30e9) // 30 Gwei
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &GasOracle{
		cfg:     cfg,
		node:    node,
		client:  client,
		breaker: circuitbreaker.New("gas-price-api", cfg.Breaker),
	}
}

// Price returns the gas price in wei. It never fails: API, then node, then
// the last known price, then the configured default.
func (o *GasOracle) Price(ctx context.Context) *big.Int {
	o.mu.RLock()
	if o.cached != nil && time.Since(o.fetchedAt) < o.cfg.CacheTTL {
		cached := new(big.Int).Set(o.cached)
		o.mu.RUnlock()
		return cached
	}
	o.mu.RUnlock()

	if o.cfg.APIURL != "" {
		price, err := o.fetchFromAPI(ctx)
		if err == nil {
			return o.remember(GasSourceAPI, price)
		}
		logger.Warn("gas price api failed, falling back to node",
			zap.String("url", o.cfg.APIURL),
			zap.Error(err))
	}

	if o.node != nil {
		price, err := o.node.SuggestGasPrice(ctx)
		if err == nil && price != nil && price.Sign() > 0 {
			return o.remember(GasSourceNode, price)
		}
		logger.Warn("node gas price suggestion failed", zap.Error(err))
	}

	o.mu.RLock()
	lastKnown := o.lastKnown
	o.mu.RUnlock()
	if lastKnown != nil {
		metrics.UpdateGasPrice(GasSourceLastKnown, weiToGwei(lastKnown))
		return new(big.Int).Set(lastKnown)
	}

	metrics.UpdateGasPrice(GasSourceDefault, weiToGwei(o.cfg.DefaultGasPrice))
	return new(big.Int).Set(o.cfg.DefaultGasPrice)
}

// InvalidateCache invalidates the cached gas price.
func (o *GasOracle) InvalidateCache() {
	o.mu.Lock()
	o.cached = nil
	o.mu.Unlock()
}

// remember applies the multiplier and cap, then caches the price.
func (o *GasOracle) remember(source string, price *big.Int) *big.Int {
	if o.cfg.Multiplier > 1 {
		multiplied := new(big.Float).SetInt(price)
		multiplied.Mul(multiplied, big.NewFloat(o.cfg.Multiplier))
		price, _ = multiplied.Int(nil)
	}
	if price.Cmp(o.cfg.MaxGasPrice) > 0 {
		logger.Warn("gas price capped",
			zap.String("source", source),
			zap.String("price", price.String()),
			zap.String("max", o.cfg.MaxGasPrice.String()))
		price = new(big.Int).Set(o.cfg.MaxGasPrice)
	}

	o.mu.Lock()
	o.cached = price
	o.lastKnown = price
	o.fetchedAt = time.Now()
	o.mu.Unlock()

	metrics.UpdateGasPrice(source, weiToGwei(price))
	return new(big.Int).Set(price)
}

// fetchFromAPI calls the gas price API through the circuit breaker.
func (o *GasOracle) fetchFromAPI(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := o.breaker.Execute(func() error {
		var err error
		price, err = o.requestAPI(ctx)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %v", ErrGasAPIUnavailable, err)
	}
	return price, err
}

func (o *GasOracle) requestAPI(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.APIURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGasAPIUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", ErrGasAPIUnavailable, resp.StatusCode)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	var body interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGasAPIMalformed, err)
	}

	gwei, err := lookupDecimal(body, o.cfg.FastField)
	if err != nil {
		return nil, err
	}
	if !gwei.IsPositive() {
		return nil, fmt.Errorf("%w: non-positive price %s", ErrGasAPIMalformed, gwei)
	}

	return gwei.Mul(gweiToWei).Ceil().BigInt(), nil
}

// lookupDecimal walks a dot-separated path and parses the value as a decimal.
// Both JSON numbers and numeric strings are accepted.
func lookupDecimal(body interface{}, path string) (decimal.Decimal, error) {
	node := body
	for _, key := range strings.Split(path, ".") {
		obj, ok := node.(map[string]interface{})
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s is not an object", ErrGasAPIMalformed, key)
		}
		if node, ok = obj[key]; !ok {
			return decimal.Zero, fmt.Errorf("%w: missing field %s", ErrGasAPIMalformed, path)
		}
	}

	var raw string
	switch v := node.(type) {
	case json.Number:
		raw = v.String()
	case string:
		raw = v
	default:
		return decimal.Zero, fmt.Errorf("%w: field %s is %T", ErrGasAPIMalformed, path, node)
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrGasAPIMalformed, err)
	}
	return d, nil
}

func weiToGwei(wei *big.Int) float64 {
	return decimal.NewFromBigInt(wei, 0).Div(gweiToWei).InexactFloat64()
}
