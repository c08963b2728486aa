// REST API CLIENT FOR BYBIT V5 LINEAR PERPETUALS
// RESTY ONLY + INTERNAL RETRY
package connectors

import (
	"encoding/json"
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
	bybitRecvWindowShort = "5000"
	bybitRecvWindowLong  = "60000"
	bybitCategory        = "linear"

	// retCodes the exchange returns when nothing needed changing.
	bybitCodeLeverageNotModified = 110043
	bybitCodeModeNotModified     = 110025
)

var bybitEndpoints = map[string]string{
	EndpointTime:             "/v5/market/time",
	EndpointExchangeInfo:     "/v5/market/instruments-info",
	EndpointOrder:            "/v5/order/create",
	EndpointOrderQuery:       "/v5/order/realtime",
	EndpointLeverage:         "/v5/position/set-leverage",
	EndpointPositionRisk:     "/v5/position/list",
	EndpointPositionSideDual: "/v5/position/switch-mode",
	EndpointBalance:          "/v5/account/wallet-balance",
	EndpointIncome:           "/v5/position/closed-pnl",
}

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type BybitConnector struct {
	name      string
	apiKey    string
	apiSecret string
	client    *resty.Client
	meta      *MetaCache
}

func NewBybitConnector(name, apiKey, apiSecret, baseURL string, metaTTL time.Duration) *BybitConnector {
	if baseURL == "" {
		baseURL = "https://api.bybit.com"
		logger.Warnf("No base URL provided for %s, using default: %s", name, baseURL)
	}

	return &BybitConnector{
		name:      name,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    newRestyClient(baseURL),
		meta:      NewMetaCache(metaTTL),
	}
}

func (c *BybitConnector) Name() string { return c.name }

func (c *BybitConnector) Endpoints() map[string]string { return bybitEndpoints }

func (c *BybitConnector) ServerTime() (int64, error) {
	resp, err := c.client.R().Get(bybitEndpoints[EndpointTime])
	if err != nil || resp.StatusCode() != 200 {
		localMs := time.Now().UnixMilli()
		logger.WithField("exchange", c.name).WithError(err).
			Warn("server time fetch failed, falling back to local clock")
		return localMs, nil
	}

	var parsed struct {
		Result struct {
			TimeNano string `json:"timeNano"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return time.Now().UnixMilli(), nil
	}
	nanos := cast.ToInt64(parsed.Result.TimeNano)
	if nanos == 0 {
		return time.Now().UnixMilli(), nil
	}
	return nanos / int64(time.Millisecond), nil
}

// sign computes the V5 signature over timestamp + apiKey + recvWindow + payload.
// For GET requests payload is the sorted URL-encoded query string, for POST it
// is the exact JSON body that will be transmitted.
func (c *BybitConnector) sign(timestamp, recvWindow, payload string) string {
	return hmacSHA256Hex(c.apiSecret, timestamp+c.apiKey+recvWindow+payload)
}

func (c *BybitConnector) authHeaders(timestamp, recvWindow, payload string) map[string]string {
	return map[string]string{
		"X-BAPI-API-KEY":     c.apiKey,
		"X-BAPI-TIMESTAMP":   timestamp,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN":        c.sign(timestamp, recvWindow, payload),
		"X-BAPI-SIGN-TYPE":   "2",
	}
}

// signTimestamp signs with the exchange clock so a drifted local clock cannot
// push every request outside the receive window.
func (c *BybitConnector) signTimestamp() string {
	ms, _ := c.ServerTime()
	return strconv.FormatInt(ms, 10)
}

func (c *BybitConnector) parseEnvelope(body []byte, httpStatus int) (*bybitEnvelope, error) {
	if httpStatus != 200 {
		return nil, &APIError{
			Kind:       classifyHTTP(httpStatus),
			Exchange:   c.name,
			Message:    string(body),
			HTTPStatus: httpStatus,
		}
	}

	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response envelope: %w", err)
	}
	if env.RetCode != 0 {
		return nil, &APIError{
			Kind:       ErrKindExchange,
			Exchange:   c.name,
			Code:       env.RetCode,
			Message:    env.RetMsg,
			HTTPStatus: httpStatus,
		}
	}
	return &env, nil
}

func (c *BybitConnector) signedGet(path string, params map[string]string, recvWindow string) (*bybitEnvelope, error) {
	vals := url.Values{}
	for k, v := range params {
		vals.Set(k, v)
	}
	query := vals.Encode()

	ts := c.signTimestamp()
	resp, err := c.client.R().
		SetHeaders(c.authHeaders(ts, recvWindow, query)).
		SetQueryString(query).
		Get(path)
	if err != nil {
		return nil, &APIError{Kind: ErrKindNetwork, Exchange: c.name, Message: err.Error()}
	}
	return c.parseEnvelope(resp.Body(), resp.StatusCode())
}

func (c *BybitConnector) signedPost(path string, params map[string]interface{}, recvWindow string) (*bybitEnvelope, error) {
	// The signed bytes must be the transmitted bytes, so the canonical JSON
	// is produced once and reused for both.
	body, err := canonicalJSON(params)
	if err != nil {
		return nil, err
	}

	ts := c.signTimestamp()
	resp, err := c.client.R().
		SetHeaders(c.authHeaders(ts, recvWindow, string(body))).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, &APIError{Kind: ErrKindNetwork, Exchange: c.name, Message: err.Error()}
	}
	return c.parseEnvelope(resp.Body(), resp.StatusCode())
}

func (c *BybitConnector) loadSymbolMeta(symbol string) (*SymbolMeta, error) {
	resp, err := c.client.R().
		SetQueryParam("category", bybitCategory).
		SetQueryParam("symbol", symbol).
		Get(bybitEndpoints[EndpointExchangeInfo])
	if err != nil {
		return nil, &APIError{Kind: ErrKindNetwork, Exchange: c.name, Message: err.Error()}
	}

	env, err := c.parseEnvelope(resp.Body(), resp.StatusCode())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		List []struct {
			Symbol        string                 `json:"symbol"`
			LotSizeFilter map[string]interface{} `json:"lotSizeFilter"`
			PriceFilter   map[string]interface{} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse instruments-info: %w", err)
	}

	for _, row := range parsed.List {
		if row.Symbol != symbol {
			continue
		}
		return &SymbolMeta{
			Symbol:   symbol,
			StepSize: cast.ToFloat64(row.LotSizeFilter["qtyStep"]),
			MinQty:   cast.ToFloat64(row.LotSizeFilter["minOrderQty"]),
			TickSize: cast.ToFloat64(row.PriceFilter["tickSize"]),
		}, nil
	}
	return nil, fmt.Errorf("symbol %s not found in instruments-info", symbol)
}

func (c *BybitConnector) SymbolMeta(symbol string) (*SymbolMeta, error) {
	return c.meta.Get(symbol, c.loadSymbolMeta)
}

func (c *BybitConnector) AdjustQuantity(symbol string, qty float64) (string, error) {
	meta, err := c.SymbolMeta(symbol)
	if err != nil {
		return "", err
	}
	return adjustQuantityWithMeta(meta, qty), nil
}

func (c *BybitConnector) QuantizePrice(symbol string, px float64) (string, error) {
	meta, err := c.SymbolMeta(symbol)
	if err != nil {
		return "", err
	}
	return floorToStep(px, meta.TickSize), nil
}

func (c *BybitConnector) SetLeverage(symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	_, err := c.signedPost(bybitEndpoints[EndpointLeverage], map[string]interface{}{
		"category":     bybitCategory,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}, bybitRecvWindowShort)
	if err != nil {
		if isBybitCode(err, bybitCodeLeverageNotModified) {
			return nil
		}
		return fmt.Errorf("failed to set leverage: %w", err)
	}
	return nil
}

func isBybitCode(err error, code int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == code
}

// GetPositionMode infers the account mode from the position list: any leg
// carrying positionIdx 1 or 2 means hedge mode.
func (c *BybitConnector) GetPositionMode() (bool, error) {
	env, err := c.signedGet(bybitEndpoints[EndpointPositionRisk], map[string]string{
		"category":   bybitCategory,
		"settleCoin": "USDT",
	}, bybitRecvWindowShort)
	if err != nil {
		return false, fmt.Errorf("failed to read position mode: %w", err)
	}

	var parsed struct {
		List []map[string]interface{} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &parsed); err != nil {
		return false, fmt.Errorf("failed to parse position list: %w", err)
	}

	for _, row := range parsed.List {
		if idx := cast.ToInt(row["positionIdx"]); idx == 1 || idx == 2 {
			return false, nil
		}
	}
	return true, nil
}

func (c *BybitConnector) SetPositionMode(oneWay bool) error {
	mode := 3 // hedge
	if oneWay {
		mode = 0
	}

	_, err := c.signedPost(bybitEndpoints[EndpointPositionSideDual], map[string]interface{}{
		"category": bybitCategory,
		"coin":     "USDT",
		"mode":     mode,
	}, bybitRecvWindowShort)
	if err != nil {
		if isBybitCode(err, bybitCodeModeNotModified) {
			return nil
		}
		return fmt.Errorf("failed to switch position mode: %w", err)
	}
	return nil
}

func bybitPositionIdx(positionSide string) int {
	switch positionSide {
	case PositionSideLong:
		return 1
	case PositionSideShort:
		return 2
	default:
		return 0
	}
}

func (c *BybitConnector) PlaceOrder(req OrderRequest) (*OrderResult, error) {
	side := "Buy"
	if req.Side == "sell" {
		side = "Sell"
	}

	params := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         req.Quantity,
		"positionIdx": bybitPositionIdx(req.PositionSide),
	}
	if req.ClientOrderID != "" {
		params["orderLinkId"] = req.ClientOrderID
	}
	if req.ReduceOnly && req.PositionSide == "" {
		params["reduceOnly"] = true
	}

	env, err := c.signedPost(bybitEndpoints[EndpointOrder], params, bybitRecvWindowLong)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(env.Result, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order response: %w", err)
	}

	result := &OrderResult{
		OrderID:       cast.ToString(raw["orderId"]),
		ClientOrderID: cast.ToString(raw["orderLinkId"]),
		Status:        "NEW",
		Raw:           raw,
	}

	logger.WithFields(map[string]interface{}{
		"exchange":        c.name,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"quantity":        req.Quantity,
		"order_id":        result.OrderID,
		"client_order_id": result.ClientOrderID,
	}).Info("order placed")
	return result, nil
}

func (c *BybitConnector) QueryOrderStatus(symbol, orderID, clientOrderID string) (*OrderStatus, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
	}
	if orderID != "" {
		params["orderId"] = orderID
	} else if clientOrderID != "" {
		params["orderLinkId"] = clientOrderID
	}

	env, err := c.signedGet(bybitEndpoints[EndpointOrderQuery], params, bybitRecvWindowShort)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	var parsed struct {
		List []map[string]interface{} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse order status: %w", err)
	}
	if len(parsed.List) == 0 {
		return nil, fmt.Errorf("order not found (orderId=%s, orderLinkId=%s)", orderID, clientOrderID)
	}

	row := parsed.List[0]
	return &OrderStatus{
		OrderID:       cast.ToString(row["orderId"]),
		ClientOrderID: cast.ToString(row["orderLinkId"]),
		Status:        cast.ToString(row["orderStatus"]),
		ExecutedQty:   cast.ToFloat64(row["cumExecQty"]),
		AvgPrice:      cast.ToFloat64(row["avgPrice"]),
	}, nil
}

func normalizeBybitPosition(row map[string]interface{}) Position {
	amt := cast.ToFloat64(row["size"])
	side := PositionSideFlat
	switch cast.ToString(row["side"]) {
	case "Buy":
		side = PositionSideLong
	case "Sell":
		side = PositionSideShort
	}
	if amt == 0 {
		side = PositionSideFlat
	}

	return Position{
		Symbol:        cast.ToString(row["symbol"]),
		Amt:           amt,
		EntryPrice:    cast.ToFloat64(row["avgPrice"]),
		Leverage:      cast.ToInt(row["leverage"]),
		UnrealizedPnl: cast.ToFloat64(row["unrealisedPnl"]),
		Side:          side,
	}
}

func (c *BybitConnector) GetOpenPosition(symbol, side string) (*Position, error) {
	env, err := c.signedGet(bybitEndpoints[EndpointPositionRisk], map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
	}, bybitRecvWindowShort)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	var parsed struct {
		List []map[string]interface{} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	for _, row := range parsed.List {
		pos := normalizeBybitPosition(row)
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

func (c *BybitConnector) GetOpenPositions() ([]Position, error) {
	env, err := c.signedGet(bybitEndpoints[EndpointPositionRisk], map[string]string{
		"category":   bybitCategory,
		"settleCoin": "USDT",
	}, bybitRecvWindowShort)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	var parsed struct {
		List []map[string]interface{} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	positions := make([]Position, 0)
	for _, row := range parsed.List {
		pos := normalizeBybitPosition(row)
		if pos.Side == PositionSideFlat {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetBalance flattens the unified-account coin list into normalized rows.
func (c *BybitConnector) GetBalance() ([]Balance, error) {
	env, err := c.signedGet(bybitEndpoints[EndpointBalance], map[string]string{
		"accountType": "UNIFIED",
	}, bybitRecvWindowShort)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch wallet balance: %w", err)
	}

	var parsed struct {
		List []struct {
			Coin []map[string]interface{} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse wallet balance: %w", err)
	}

	balances := make([]Balance, 0)
	for _, account := range parsed.List {
		for _, coin := range account.Coin {
			balances = append(balances, Balance{
				Asset:     strings.ToUpper(cast.ToString(coin["coin"])),
				Available: cast.ToFloat64(coin["availableToWithdraw"]),
				Total:     cast.ToFloat64(coin["walletBalance"]),
			})
		}
	}
	return balances, nil
}

func (c *BybitConnector) GetUnrealized(symbol string) (float64, error) {
	pos, err := c.GetOpenPosition(symbol, "")
	if err != nil {
		return 0, err
	}
	return pos.UnrealizedPnl, nil
}

// IncomeSummary walks the closed-pnl cursor pages and sums trade PnL entries
// newer than since.
func (c *BybitConnector) IncomeSummary(symbol string, since time.Time) (*IncomeSummary, error) {
	summary := &IncomeSummary{Symbol: symbol, Since: since}
	cursor := ""

	for {
		params := map[string]string{
			"category":  bybitCategory,
			"symbol":    symbol,
			"startTime": strconv.FormatInt(since.UnixMilli(), 10),
			"limit":     "100",
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		env, err := c.signedGet(bybitEndpoints[EndpointIncome], params, bybitRecvWindowShort)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch closed pnl: %w", err)
		}

		var parsed struct {
			List           []map[string]interface{} `json:"list"`
			NextPageCursor string                   `json:"nextPageCursor"`
		}
		if err := json.Unmarshal(env.Result, &parsed); err != nil {
			return nil, fmt.Errorf("failed to parse closed pnl: %w", err)
		}

		for _, row := range parsed.List {
			summary.RealizedPnl += cast.ToFloat64(row["closedPnl"])
			summary.Entries++
		}

		cursor = parsed.NextPageCursor
		if cursor == "" || len(parsed.List) == 0 {
			break
		}
	}
	return summary, nil
}
