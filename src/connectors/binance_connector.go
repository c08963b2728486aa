// REST API CLIENT FOR BINANCE USDT-M FUTURES (mainnet and testnet)
// RESTY ONLY + INTERNAL RETRY
package connectors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// Reads sign with the short receive window, order placement with the long one.
const (
	binanceRecvWindowShort int64 = 5000
	binanceRecvWindowLong  int64 = 60000

	binanceMinLeverage = 1
	binanceMaxLeverage = 125

	// Returned when the request timestamp drifts outside recvWindow.
	binanceCodeClockDrift = -1021
	// Returned when the position mode is already the requested one.
	binanceCodeNoNeedToChangeSide = -4059
)

var binanceEndpoints = map[string]string{
	EndpointTime:             "/fapi/v1/time",
	EndpointExchangeInfo:     "/fapi/v1/exchangeInfo",
	EndpointOrder:            "/fapi/v1/order",
	EndpointOrderQuery:       "/fapi/v1/order",
	EndpointLeverage:         "/fapi/v1/leverage",
	EndpointPositionRisk:     "/fapi/v2/positionRisk",
	EndpointPositionSideDual: "/fapi/v1/positionSide/dual",
	EndpointBalance:          "/fapi/v2/balance",
	EndpointIncome:           "/fapi/v1/income",
}

type BinanceConnector struct {
	name      string
	apiKey    string
	apiSecret string
	client    *resty.Client
	meta      *MetaCache
}

func NewBinanceConnector(name, apiKey, apiSecret, baseURL string, metaTTL time.Duration) *BinanceConnector {
	if baseURL == "" {
		baseURL = "https://fapi.binance.com"
		logger.Warnf("No base URL provided for %s, using default: %s", name, baseURL)
	}

	return &BinanceConnector{
		name:      name,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    newRestyClient(baseURL),
		meta:      NewMetaCache(metaTTL),
	}
}

func (c *BinanceConnector) Name() string { return c.name }

func (c *BinanceConnector) Endpoints() map[string]string { return binanceEndpoints }

// ServerTime returns the exchange clock in epoch milliseconds. On failure it
// falls back to the local clock so signing can proceed.
func (c *BinanceConnector) ServerTime() (int64, error) {
	resp, err := c.client.R().Get(binanceEndpoints[EndpointTime])
	if err != nil || resp.StatusCode() != 200 {
		localMs := time.Now().UnixMilli()
		logger.WithField("exchange", c.name).WithError(err).
			Warn("server time fetch failed, falling back to local clock")
		return localMs, nil
	}

	var parsed struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return time.Now().UnixMilli(), nil
	}
	return parsed.ServerTime, nil
}

func parseBinanceError(body []byte) (int, string) {
	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, string(body)
	}
	if parsed.Msg == "" {
		return parsed.Code, GetBinanceErrorMsg(parsed.Code)
	}
	return parsed.Code, parsed.Msg
}

// signedRequest signs and sends a request. A clock-drift rejection (-1021) is
// rebuilt once with a fresh timestamp and a fresh signature.
func (c *BinanceConnector) signedRequest(method, path string, params map[string]string, recvWindow int64) ([]byte, error) {
	body, err := c.signedRequestOnce(method, path, params, recvWindow)
	if err == nil {
		return body, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == binanceCodeClockDrift {
		logger.WithFields(map[string]interface{}{
			"exchange": c.name,
			"path":     path,
		}).Warn("timestamp outside recvWindow, rebuilding request once")
		return c.signedRequestOnce(method, path, params, recvWindow)
	}
	return nil, err
}

func (c *BinanceConnector) signedRequestOnce(method, path string, params map[string]string, recvWindow int64) ([]byte, error) {
	ts, _ := c.ServerTime()

	vals := url.Values{}
	for k, v := range params {
		vals.Set(k, v)
	}
	vals.Set("timestamp", strconv.FormatInt(ts, 10))
	vals.Set("recvWindow", strconv.FormatInt(recvWindow, 10))

	// url.Values.Encode sorts keys, which is exactly the signing order.
	query := vals.Encode()
	sig := hmacSHA256Hex(c.apiSecret, query)
	fullPath := path + "?" + query + "&signature=" + sig

	resp, err := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		Execute(method, fullPath)
	if err != nil {
		return nil, &APIError{Kind: ErrKindNetwork, Exchange: c.name, Message: err.Error()}
	}

	if resp.StatusCode() != 200 {
		code, msg := parseBinanceError(resp.Body())
		return nil, &APIError{
			Kind:       classifyHTTP(resp.StatusCode()),
			Exchange:   c.name,
			Code:       code,
			Message:    msg,
			HTTPStatus: resp.StatusCode(),
		}
	}
	return resp.Body(), nil
}

func (c *BinanceConnector) loadSymbolMeta(symbol string) (*SymbolMeta, error) {
	resp, err := c.client.R().
		SetQueryParam("symbol", symbol).
		Get(binanceEndpoints[EndpointExchangeInfo])
	if err != nil {
		return nil, &APIError{Kind: ErrKindNetwork, Exchange: c.name, Message: err.Error()}
	}
	if resp.StatusCode() != 200 {
		code, msg := parseBinanceError(resp.Body())
		return nil, &APIError{
			Kind:       classifyHTTP(resp.StatusCode()),
			Exchange:   c.name,
			Code:       code,
			Message:    msg,
			HTTPStatus: resp.StatusCode(),
		}
	}

	var parsed struct {
		Symbols []struct {
			Symbol  string                   `json:"symbol"`
			Filters []map[string]interface{} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse exchangeInfo: %w", err)
	}

	for _, s := range parsed.Symbols {
		if s.Symbol != symbol {
			continue
		}
		meta := &SymbolMeta{Symbol: symbol}
		for _, f := range s.Filters {
			switch cast.ToString(f["filterType"]) {
			case "LOT_SIZE":
				meta.StepSize = cast.ToFloat64(f["stepSize"])
				meta.MinQty = cast.ToFloat64(f["minQty"])
			case "PRICE_FILTER":
				meta.TickSize = cast.ToFloat64(f["tickSize"])
			}
		}
		return meta, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchangeInfo", symbol)
}

func (c *BinanceConnector) SymbolMeta(symbol string) (*SymbolMeta, error) {
	return c.meta.Get(symbol, c.loadSymbolMeta)
}

func (c *BinanceConnector) AdjustQuantity(symbol string, qty float64) (string, error) {
	meta, err := c.SymbolMeta(symbol)
	if err != nil {
		return "", err
	}
	return adjustQuantityWithMeta(meta, qty), nil
}

func (c *BinanceConnector) QuantizePrice(symbol string, px float64) (string, error) {
	meta, err := c.SymbolMeta(symbol)
	if err != nil {
		return "", err
	}
	return floorToStep(px, meta.TickSize), nil
}

func (c *BinanceConnector) SetLeverage(symbol string, leverage int) error {
	if leverage < binanceMinLeverage {
		leverage = binanceMinLeverage
	}
	if leverage > binanceMaxLeverage {
		leverage = binanceMaxLeverage
	}

	_, err := c.signedRequest("POST", binanceEndpoints[EndpointLeverage], map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}, binanceRecvWindowShort)
	if err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"exchange": c.name,
		"symbol":   symbol,
		"leverage": leverage,
	}).Info("leverage set")
	return nil
}

func (c *BinanceConnector) GetPositionMode() (bool, error) {
	body, err := c.signedRequest("GET", binanceEndpoints[EndpointPositionSideDual], map[string]string{}, binanceRecvWindowShort)
	if err != nil {
		return false, fmt.Errorf("failed to read position mode: %w", err)
	}

	var parsed struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("failed to parse position mode: %w", err)
	}
	return !parsed.DualSidePosition, nil
}

func (c *BinanceConnector) SetPositionMode(oneWay bool) error {
	dual := "true"
	if oneWay {
		dual = "false"
	}

	_, err := c.signedRequest("POST", binanceEndpoints[EndpointPositionSideDual], map[string]string{
		"dualSidePosition": dual,
	}, binanceRecvWindowShort)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceCodeNoNeedToChangeSide {
			return nil
		}
		return fmt.Errorf("failed to set position mode: %w", err)
	}
	return nil
}

func (c *BinanceConnector) PlaceOrder(req OrderRequest) (*OrderResult, error) {
	params := map[string]string{
		"symbol":   req.Symbol,
		"side":     strings.ToUpper(req.Side),
		"type":     "MARKET",
		"quantity": req.Quantity,
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}
	if req.PositionSide != "" {
		// Hedge mode: the exchange rejects reduceOnly when positionSide is set.
		params["positionSide"] = strings.ToUpper(req.PositionSide)
	} else if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := c.signedRequest("POST", binanceEndpoints[EndpointOrder], params, binanceRecvWindowLong)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	result := &OrderResult{
		OrderID:       cast.ToString(raw["orderId"]),
		ClientOrderID: cast.ToString(raw["clientOrderId"]),
		Status:        cast.ToString(raw["status"]),
		Raw:           raw,
	}

	logger.WithFields(map[string]interface{}{
		"exchange":        c.name,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"quantity":        req.Quantity,
		"order_id":        result.OrderID,
		"client_order_id": result.ClientOrderID,
		"status":          result.Status,
	}).Info("order placed")
	return result, nil
}

func (c *BinanceConnector) QueryOrderStatus(symbol, orderID, clientOrderID string) (*OrderStatus, error) {
	params := map[string]string{"symbol": symbol}
	if orderID != "" {
		params["orderId"] = orderID
	} else if clientOrderID != "" {
		params["origClientOrderId"] = clientOrderID
	}

	body, err := c.signedRequest("GET", binanceEndpoints[EndpointOrderQuery], params, binanceRecvWindowShort)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order status: %w", err)
	}

	return &OrderStatus{
		OrderID:       cast.ToString(raw["orderId"]),
		ClientOrderID: cast.ToString(raw["clientOrderId"]),
		Status:        cast.ToString(raw["status"]),
		ExecutedQty:   cast.ToFloat64(raw["executedQty"]),
		AvgPrice:      cast.ToFloat64(raw["avgPrice"]),
	}, nil
}

func (c *BinanceConnector) positionRows(symbol string) ([]map[string]interface{}, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	body, err := c.signedRequest("GET", binanceEndpoints[EndpointPositionRisk], params, binanceRecvWindowShort)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position risk: %w", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse position risk: %w", err)
	}
	return rows, nil
}

func normalizeBinancePosition(row map[string]interface{}) Position {
	amt := cast.ToFloat64(row["positionAmt"])
	side := PositionSideFlat
	if amt > 0 {
		side = PositionSideLong
	} else if amt < 0 {
		side = PositionSideShort
		amt = -amt
	}

	return Position{
		Symbol:        cast.ToString(row["symbol"]),
		Amt:           amt,
		EntryPrice:    cast.ToFloat64(row["entryPrice"]),
		Leverage:      cast.ToInt(row["leverage"]),
		UnrealizedPnl: cast.ToFloat64(row["unRealizedProfit"]),
		Side:          side,
	}
}

// GetOpenPosition returns the live position for symbol. In hedge mode, side
// selects the leg; with an empty side the first non-flat row wins.
func (c *BinanceConnector) GetOpenPosition(symbol, side string) (*Position, error) {
	rows, err := c.positionRows(symbol)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		pos := normalizeBinancePosition(row)
		if pos.Side == PositionSideFlat {
			continue
		}
		if side != "" && pos.Side != side {
			continue
		}
		return &pos, nil
	}

	return &Position{Symbol: symbol, Side: PositionSideFlat}, nil
}

func (c *BinanceConnector) GetOpenPositions() ([]Position, error) {
	rows, err := c.positionRows("")
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0)
	for _, row := range rows {
		pos := normalizeBinancePosition(row)
		if pos.Side == PositionSideFlat {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *BinanceConnector) GetBalance() ([]Balance, error) {
	body, err := c.signedRequest("GET", binanceEndpoints[EndpointBalance], map[string]string{}, binanceRecvWindowShort)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse balance: %w", err)
	}

	balances := make([]Balance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, Balance{
			Asset:     cast.ToString(row["asset"]),
			Available: cast.ToFloat64(row["availableBalance"]),
			Total:     cast.ToFloat64(row["balance"]),
		})
	}
	return balances, nil
}

func (c *BinanceConnector) GetUnrealized(symbol string) (float64, error) {
	rows, err := c.positionRows(symbol)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, row := range rows {
		total += cast.ToFloat64(row["unRealizedProfit"])
	}
	return total, nil
}

func (c *BinanceConnector) IncomeSummary(symbol string, since time.Time) (*IncomeSummary, error) {
	body, err := c.signedRequest("GET", binanceEndpoints[EndpointIncome], map[string]string{
		"symbol":     symbol,
		"incomeType": "REALIZED_PNL",
		"startTime":  strconv.FormatInt(since.UnixMilli(), 10),
		"limit":      "1000",
	}, binanceRecvWindowShort)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch income: %w", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse income: %w", err)
	}

	summary := &IncomeSummary{Symbol: symbol, Since: since}
	for _, row := range rows {
		summary.RealizedPnl += cast.ToFloat64(row["income"])
		summary.Entries++
	}
	return summary, nil
}
