package connectors

import (
	"fmt"
	"time"
)

// Endpoint keys every connector advertises. The registry validates the
// required set at startup before any order can flow.
const (
	EndpointTime             = "TIME"
	EndpointExchangeInfo     = "EXCHANGE_INFO"
	EndpointOrder            = "ORDER"
	EndpointOrderQuery       = "ORDER_QUERY"
	EndpointLeverage         = "LEVERAGE"
	EndpointPositionRisk     = "POSITION_RISK"
	EndpointPositionSideDual = "POSITION_SIDE_DUAL"
	EndpointBalance          = "BALANCE"
	EndpointIncome           = "INCOME"
)

// RequiredEndpointKeys must be present in every connector's endpoint map.
var RequiredEndpointKeys = []string{
	EndpointTime,
	EndpointPositionRisk,
	EndpointPositionSideDual,
}

// OptionalEndpointKeys are logged when missing but do not block startup.
var OptionalEndpointKeys = []string{
	EndpointOrder,
	EndpointOrderQuery,
	EndpointLeverage,
	EndpointExchangeInfo,
	EndpointBalance,
	EndpointIncome,
}

const (
	PositionSideLong  = "long"
	PositionSideShort = "short"
	PositionSideFlat  = "flat"
)

// SymbolMeta carries the trading filters needed to quantize orders.
type SymbolMeta struct {
	Symbol   string
	StepSize float64
	TickSize float64
	MinQty   float64
}

// OrderRequest is a normalized market-order request. Quantity must already be
// quantized to the symbol's step size.
type OrderRequest struct {
	Symbol        string
	Side          string // buy, sell
	Quantity      string
	ReduceOnly    bool
	ClientOrderID string
	PositionSide  string // long or short in hedge mode, empty in one-way
}

// OrderResult is the normalized acknowledgement from the exchange.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Status        string
	Raw           map[string]interface{}
}

// OrderStatus is a normalized order-state snapshot.
type OrderStatus struct {
	OrderID       string
	ClientOrderID string
	Status        string
	ExecutedQty   float64
	AvgPrice      float64
}

// Position is a normalized open-position snapshot. Amt is the absolute size;
// Side is flat when no position is held.
type Position struct {
	Symbol        string
	Amt           float64
	EntryPrice    float64
	Leverage      int
	UnrealizedPnl float64
	Side          string // long, short, flat
}

// Balance is a normalized account-asset snapshot.
type Balance struct {
	Asset     string
	Available float64
	Total     float64
}

// IncomeSummary aggregates realized PnL entries since a given time.
type IncomeSummary struct {
	Symbol      string
	RealizedPnl float64
	Entries     int
	Since       time.Time
}

// Error kinds for APIError.
const (
	ErrKindAuth       = "auth"
	ErrKindRateLimit  = "rate_limit"
	ErrKindServer     = "server"
	ErrKindNetwork    = "network"
	ErrKindExchange   = "exchange"
	ErrKindValidation = "validation"
)

// APIError is a classified exchange failure.
type APIError struct {
	Kind       string
	Exchange   string
	Code       int
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (%s, code=%d, http=%d): %s",
		e.Exchange, e.Kind, e.Code, e.HTTPStatus, e.Message)
}

// classifyHTTP maps an HTTP status to an error kind.
func classifyHTTP(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrKindAuth
	case status == 429 || status == 418:
		return ErrKindRateLimit
	case status >= 500:
		return ErrKindServer
	default:
		return ErrKindExchange
	}
}

// Connector is the capability contract every exchange adapter satisfies.
type Connector interface {
	Name() string
	Endpoints() map[string]string

	ServerTime() (int64, error)
	SymbolMeta(symbol string) (*SymbolMeta, error)
	AdjustQuantity(symbol string, qty float64) (string, error)
	QuantizePrice(symbol string, px float64) (string, error)

	SetLeverage(symbol string, leverage int) error
	GetPositionMode() (bool, error) // true = one-way
	SetPositionMode(oneWay bool) error

	PlaceOrder(req OrderRequest) (*OrderResult, error)
	QueryOrderStatus(symbol, orderID, clientOrderID string) (*OrderStatus, error)

	GetOpenPosition(symbol, side string) (*Position, error)
	GetOpenPositions() ([]Position, error)
	GetBalance() ([]Balance, error)
	GetUnrealized(symbol string) (float64, error)
	IncomeSummary(symbol string, since time.Time) (*IncomeSummary, error)
}
