package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timegrid-trading/timegrid/internal/broker"
	"github.com/timegrid-trading/timegrid/internal/ingester"
	"github.com/timegrid-trading/timegrid/internal/models"
	"github.com/timegrid-trading/timegrid/internal/storage"
)

// DefaultSymbols is the universe the mock services answer discovery calls
// with.
var DefaultSymbols = map[string][]string{
	models.ExchangeNSE: {"RELIANCE", "TCS", "INFY", "HDFCBANK"},
	models.ExchangeBSE: {"500325", "532540", "500180"},
}

// Ingester satisfies the run worker's ingester surface without a network: a
// sync generates bars locally and upserts them into the shared store.
type Ingester struct {
	store   storage.Interface
	gen     *BarGenerator
	Symbols map[string][]string
}

// NewIngester creates a mock ingester writing generated bars into store.
func NewIngester(store storage.Interface, gen *BarGenerator) *Ingester {
	return &Ingester{store: store, gen: gen, Symbols: DefaultSymbols}
}

// Sync generates bars for every (symbol, exchange) pair and persists them.
func (i *Ingester) Sync(ctx context.Context, symbols, exchanges []string, granularity string, from, to time.Time) (*ingester.SyncResponse, error) {
	resp := &ingester.SyncResponse{}
	for _, exchange := range exchanges {
		for _, symbol := range symbols {
			bars, err := i.gen.Bars(symbol, exchange, granularity, from, to)
			if err != nil {
				return nil, err
			}
			if err := i.store.UpsertBars(ctx, bars); err != nil {
				return nil, fmt.Errorf("persist generated bars: %w", err)
			}
			item := ingester.SyncItem{Symbol: symbol, Exchange: exchange, Granularity: granularity}
			for _, b := range bars {
				item.Rows = append(item.Rows, ingester.SyncRow{
					Date:   b.RecordTime.Format(time.RFC3339),
					Open:   b.Open,
					High:   b.High,
					Low:    b.Low,
					Close:  b.Close,
					Volume: b.Volume,
				})
			}
			resp.Items = append(resp.Items, item)
		}
	}
	return resp, nil
}

// GetSymbols answers from the configured universe.
func (i *Ingester) GetSymbols(ctx context.Context, exchange string) ([]string, error) {
	return i.Symbols[exchange], nil
}

// Broker fills every order instantly at the generator's walked price. Orders
// below one share's worth of money are rejected, like the real middleware.
type Broker struct {
	gen *BarGenerator

	mu        sync.Mutex
	triggerID int64
	prices    map[string]float64
}

// NewBroker creates an always-filling broker priced off gen.
func NewBroker(gen *BarGenerator) *Broker {
	return &Broker{gen: gen, prices: make(map[string]float64)}
}

var _ broker.Broker = (*Broker)(nil)

// price walks the symbol's last price a small random step and returns it.
func (b *Broker) price(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	if !ok {
		p = b.gen.BasePrice(symbol)
	}
	p *= 1 + 0.002*(secureFloat64()*2-1)
	b.prices[symbol] = p
	return p
}

// PlaceOrder fills the order at the current walked price.
func (b *Broker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResult, error) {
	price := b.price(req.Symbol)
	now := time.Now().UTC().Format(time.RFC3339)
	result := &broker.OrderResult{
		Success:           true,
		OrderID:           uuid.NewString(),
		Status:            broker.OrderStatusComplete,
		PricePerShare:     price,
		OrderTimestamp:    now,
		ExchangeTimestamp: now,
	}
	switch req.Side {
	case "buy":
		shares := int64(req.Money / price)
		if shares < 1 {
			result.Success = false
			result.Status = broker.OrderStatusRejected
			result.Error = fmt.Sprintf("insufficient funds: %.2f buys no shares at %.2f", req.Money, price)
			return result, nil
		}
		result.SharesBought = shares
		result.TotalAmount = float64(shares) * price
		result.MoneyProvided = req.Money
		result.MoneyRemaining = req.Money - result.TotalAmount
	case "sell":
		if req.Quantity < 1 {
			result.Success = false
			result.Status = broker.OrderStatusRejected
			result.Error = "nothing to sell"
			return result, nil
		}
		result.SharesSold = req.Quantity
		result.TotalAmount = float64(req.Quantity) * price
	default:
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}
	return result, nil
}

// GetQuote builds a quote around the current walked price.
func (b *Broker) GetQuote(ctx context.Context, symbol, exchange string) (*broker.Quote, error) {
	p := b.price(symbol)
	return &broker.Quote{
		LastPrice: p,
		Open:      p * 0.995,
		High:      p * 1.01,
		Low:       p * 0.99,
		Close:     p,
		Volume:    1000 + int64(secureFloat64()*9000),
		Bid:       p * 0.9995,
		Ask:       p * 1.0005,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// GetLTP returns the current walked price.
func (b *Broker) GetLTP(ctx context.Context, symbol, exchange string) (float64, error) {
	return b.price(symbol), nil
}

// PlaceGTT accepts any trigger and returns a fresh trigger ID.
func (b *Broker) PlaceGTT(ctx context.Context, req broker.GTTRequest) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.triggerID++
	return b.triggerID, nil
}

// ListInstruments lists the configured universe for the exchange.
func (b *Broker) ListInstruments(ctx context.Context, exchange string) ([]broker.Instrument, error) {
	symbols := DefaultSymbols[exchange]
	out := make([]broker.Instrument, 0, len(symbols))
	for i, s := range symbols {
		out = append(out, broker.Instrument{
			TradingSymbol:   s,
			InstrumentToken: int64(i + 1),
			Exchange:        exchange,
		})
	}
	return out, nil
}
