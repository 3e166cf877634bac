package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
)

var ErrGasPriceCapExceeded = errors.New("gas price above configured cap")

// etherExponent scales wei amounts into whole native tokens.
const etherExponent = -18

type gasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type Config struct {
	GasLimit        uint64
	MaxGasPriceGwei int64
	CacheTTL        time.Duration
}

// Estimator prices one hedge transaction in the chain's native token.
type Estimator struct {
	client gasPricer
	cfg    Config
	close  func()

	mu       sync.Mutex
	cached   decimal.Decimal
	cachedAt time.Time
}

func Dial(ctx context.Context, rpcURL string, cfg Config) (*Estimator, error) {
	if rpcURL == "" {
		return nil, errors.New("gas rpc url is required")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	e := newEstimator(client, cfg)
	e.close = client.Close
	return e, nil
}

func newEstimator(client gasPricer, cfg Config) *Estimator {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 200_000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Second
	}
	return &Estimator{client: client, cfg: cfg}
}

// NetworkFee returns gas limit times the suggested gas price, in native
// tokens. Suggestions above the configured cap are rejected.
func (e *Estimator) NetworkFee(ctx context.Context) (decimal.Decimal, error) {
	e.mu.Lock()
	if !e.cachedAt.IsZero() && time.Since(e.cachedAt) < e.cfg.CacheTTL {
		fee := e.cached
		e.mu.Unlock()
		return fee, nil
	}
	e.mu.Unlock()

	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("suggest gas price: %w", err)
	}
	if e.cfg.MaxGasPriceGwei > 0 {
		limit := new(big.Int).Mul(big.NewInt(e.cfg.MaxGasPriceGwei), big.NewInt(params.GWei))
		if price.Cmp(limit) > 0 {
			return decimal.Zero, fmt.Errorf("%s wei: %w", price, ErrGasPriceCapExceeded)
		}
	}
	wei := new(big.Int).Mul(price, new(big.Int).SetUint64(e.cfg.GasLimit))
	fee := decimal.NewFromBigInt(wei, etherExponent)

	e.mu.Lock()
	e.cached = fee
	e.cachedAt = time.Now()
	e.mu.Unlock()
	return fee, nil
}

func (e *Estimator) Close() {
	if e.close != nil {
		e.close()
	}
}
