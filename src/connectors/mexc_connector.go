// REST API CLIENT FOR MEXC CONTRACT (USDT-M PERPETUALS)
// RESTY ONLY + INTERNAL RETRY
package connectors

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// MEXC encodes order direction numerically.
const (
	mexcSideOpenLong   = 1
	mexcSideCloseShort = 2
	mexcSideOpenShort  = 3
	mexcSideCloseLong  = 4

	mexcOrderTypeMarket = 5
	mexcOpenTypeCross   = 2

	mexcPositionModeHedge  = 1
	mexcPositionModeOneWay = 2

	mexcPositionTypeLong  = 1
	mexcPositionTypeShort = 2
)

var mexcEndpoints = map[string]string{
	EndpointTime:             "/api/v1/contract/ping",
	EndpointExchangeInfo:     "/api/v1/contract/detail",
	EndpointOrder:            "/api/v1/private/order/submit",
	EndpointOrderQuery:       "/api/v1/private/order/external",
	EndpointLeverage:         "/api/v1/private/position/change_leverage",
	EndpointPositionRisk:     "/api/v1/private/position/open_positions",
	EndpointPositionSideDual: "/api/v1/private/position/position_mode",
	EndpointBalance:          "/api/v1/private/account/assets",
	EndpointIncome:           "/api/v1/private/order/list/order_deals",
}

const mexcChangeModeEndpoint = "/api/v1/private/position/change_position_mode"

type mexcEnvelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type MexcConnector struct {
	name      string
	apiKey    string
	apiSecret string
	client    *resty.Client
	meta      *MetaCache
}

func NewMexcConnector(name, apiKey, apiSecret, baseURL string, metaTTL time.Duration) *MexcConnector {
	if baseURL == "" {
		baseURL = "https://contract.mexc.com"
		logger.Warnf("No base URL provided for %s, using default: %s", name, baseURL)
	}

	return &MexcConnector{
		name:      name,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    newRestyClient(baseURL),
		meta:      NewMetaCache(metaTTL),
	}
}

func (c *MexcConnector) Name() string { return c.name }

func (c *MexcConnector) Endpoints() map[string]string { return mexcEndpoints }

// toMexcSymbol converts the common BTCUSDT form into MEXC's BTC_USDT form.
func toMexcSymbol(symbol string) string {
	if strings.Contains(symbol, "_") {
		return symbol
	}
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "_" + quote
		}
	}
	return symbol
}

func (c *MexcConnector) ServerTime() (int64, error) {
	resp, err := c.client.R().Get(mexcEndpoints[EndpointTime])
	if err != nil || resp.StatusCode() != 200 {
		localMs := time.Now().UnixMilli()
		logger.WithField("exchange", c.name).WithError(err).
			Warn("server time fetch failed, falling back to local clock")
		return localMs, nil
	}

	var env mexcEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return time.Now().UnixMilli(), nil
	}
	ts := cast.ToInt64(strings.Trim(string(env.Data), `"`))
	if ts == 0 {
		return time.Now().UnixMilli(), nil
	}
	return ts, nil
}

// sign computes HMAC-SHA256 hex over accessKey + timestamp + paramString.
func (c *MexcConnector) sign(timestamp, paramString string) string {
	return hmacSHA256Hex(c.apiSecret, c.apiKey+timestamp+paramString)
}

func (c *MexcConnector) authHeaders(timestamp, paramString string) map[string]string {
	return map[string]string{
		"ApiKey":       c.apiKey,
		"Request-Time": timestamp,
		"Signature":    c.sign(timestamp, paramString),
		"Content-Type": "application/json",
	}
}

func (c *MexcConnector) parseEnvelope(body []byte, httpStatus int) (*mexcEnvelope, error) {
	if httpStatus != 200 {
		return nil, &APIError{
			Kind:       classifyHTTP(httpStatus),
			Exchange:   c.name,
			Message:    string(body),
			HTTPStatus: httpStatus,
		}
	}

	var env mexcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse response envelope: %w", err)
	}
	if !env.Success {
		return nil, &APIError{
			Kind:       ErrKindExchange,
			Exchange:   c.name,
			Code:       env.Code,
			Message:    env.Message,
			HTTPStatus: httpStatus,
		}
	}
	return &env, nil
}

func (c *MexcConnector) signedGet(path string, params map[string]string) (*mexcEnvelope, error) {
	// MEXC signs the raw sorted parameter string, not the URL-encoded form.
	paramString := sortedParamString(params)

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req := c.client.R().SetHeaders(c.authHeaders(ts, paramString))
	if paramString != "" {
		req = req.SetQueryString(paramString)
	}

	resp, err := req.Get(path)
	if err != nil {
		return nil, &APIError{Kind: ErrKindNetwork, Exchange: c.name, Message: err.Error()}
	}
	return c.parseEnvelope(resp.Body(), resp.StatusCode())
}

func (c *MexcConnector) signedPost(path string, params map[string]interface{}) (*mexcEnvelope, error) {
	body, err := canonicalJSON(params)
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	resp, err := c.client.R().
		SetHeaders(c.authHeaders(ts, string(body))).
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, &APIError{Kind: ErrKindNetwork, Exchange: c.name, Message: err.Error()}
	}
	return c.parseEnvelope(resp.Body(), resp.StatusCode())
}

func (c *MexcConnector) loadSymbolMeta(symbol string) (*SymbolMeta, error) {
	resp, err := c.client.R().
		SetQueryParam("symbol", toMexcSymbol(symbol)).
		Get(mexcEndpoints[EndpointExchangeInfo])
	if err != nil {
		return nil, &APIError{Kind: ErrKindNetwork, Exchange: c.name, Message: err.Error()}
	}

	env, err := c.parseEnvelope(resp.Body(), resp.StatusCode())
	if err != nil {
		return nil, err
	}

	var detail map[string]interface{}
	if err := json.Unmarshal(env.Data, &detail); err != nil {
		return nil, fmt.Errorf("failed to parse contract detail: %w", err)
	}

	return &SymbolMeta{
		Symbol:   symbol,
		StepSize: cast.ToFloat64(detail["volUnit"]),
		MinQty:   cast.ToFloat64(detail["minVol"]),
		TickSize: cast.ToFloat64(detail["priceUnit"]),
	}, nil
}

func (c *MexcConnector) SymbolMeta(symbol string) (*SymbolMeta, error) {
	return c.meta.Get(symbol, c.loadSymbolMeta)
}

func (c *MexcConnector) AdjustQuantity(symbol string, qty float64) (string, error) {
	meta, err := c.SymbolMeta(symbol)
	if err != nil {
		return "", err
	}
	return adjustQuantityWithMeta(meta, qty), nil
}

func (c *MexcConnector) QuantizePrice(symbol string, px float64) (string, error) {
	meta, err := c.SymbolMeta(symbol)
	if err != nil {
		return "", err
	}
	return floorToStep(px, meta.TickSize), nil
}

// SetLeverage applies the leverage to both position types so subsequent
// orders in either direction use it.
func (c *MexcConnector) SetLeverage(symbol string, leverage int) error {
	for _, positionType := range []int{mexcPositionTypeLong, mexcPositionTypeShort} {
		_, err := c.signedPost(mexcEndpoints[EndpointLeverage], map[string]interface{}{
			"symbol":       toMexcSymbol(symbol),
			"leverage":     leverage,
			"openType":     mexcOpenTypeCross,
			"positionType": positionType,
		})
		if err != nil {
			return fmt.Errorf("failed to set leverage (positionType=%d): %w", positionType, err)
		}
	}
	return nil
}

func (c *MexcConnector) GetPositionMode() (bool, error) {
	env, err := c.signedGet(mexcEndpoints[EndpointPositionSideDual], map[string]string{})
	if err != nil {
		return false, fmt.Errorf("failed to read position mode: %w", err)
	}

	mode := cast.ToInt(strings.Trim(string(env.Data), `"`))
	return mode == mexcPositionModeOneWay, nil
}

func (c *MexcConnector) SetPositionMode(oneWay bool) error {
	mode := mexcPositionModeHedge
	if oneWay {
		mode = mexcPositionModeOneWay
	}

	_, err := c.signedPost(mexcChangeModeEndpoint, map[string]interface{}{
		"positionMode": mode,
	})
	if err != nil {
		return fmt.Errorf("failed to switch position mode: %w", err)
	}
	return nil
}

// mexcOrderSide maps the normalized request onto MEXC's numeric encoding.
func mexcOrderSide(req OrderRequest) int {
	closing := req.ReduceOnly ||
		(req.PositionSide == PositionSideLong && req.Side == "sell") ||
		(req.PositionSide == PositionSideShort && req.Side == "buy")

	if req.Side == "buy" {
		if closing {
			return mexcSideCloseShort
		}
		return mexcSideOpenLong
	}
	if closing {
		return mexcSideCloseLong
	}
	return mexcSideOpenShort
}

func (c *MexcConnector) PlaceOrder(req OrderRequest) (*OrderResult, error) {
	vol := cast.ToFloat64(req.Quantity)

	params := map[string]interface{}{
		"symbol":   toMexcSymbol(req.Symbol),
		"vol":      vol,
		"side":     mexcOrderSide(req),
		"type":     mexcOrderTypeMarket,
		"openType": mexcOpenTypeCross,
	}
	if req.ClientOrderID != "" {
		params["externalOid"] = req.ClientOrderID
	}

	env, err := c.signedPost(mexcEndpoints[EndpointOrder], params)
	if err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	orderID := strings.Trim(string(env.Data), `"`)
	result := &OrderResult{
		OrderID:       orderID,
		ClientOrderID: req.ClientOrderID,
		Status:        "NEW",
		Raw:           map[string]interface{}{"orderId": orderID},
	}

	logger.WithFields(map[string]interface{}{
		"exchange":        c.name,
		"symbol":          req.Symbol,
		"side":            req.Side,
		"vol":             vol,
		"order_id":        orderID,
		"client_order_id": req.ClientOrderID,
	}).Info("order placed")
	return result, nil
}

func mexcOrderState(state int) string {
	switch state {
	case 1:
		return "NEW"
	case 2:
		return "PARTIALLY_FILLED"
	case 3:
		return "FILLED"
	case 4:
		return "CANCELED"
	case 5:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// QueryOrderStatus resolves by externalOid; MEXC has no combined lookup, so
// orderID is ignored when a client order ID is present.
func (c *MexcConnector) QueryOrderStatus(symbol, orderID, clientOrderID string) (*OrderStatus, error) {
	if clientOrderID == "" {
		return nil, fmt.Errorf("client order id is required to query mexc orders")
	}

	path := fmt.Sprintf("%s/%s/%s", mexcEndpoints[EndpointOrderQuery], toMexcSymbol(symbol), clientOrderID)
	env, err := c.signedGet(path, map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse order status: %w", err)
	}

	return &OrderStatus{
		OrderID:       cast.ToString(raw["orderId"]),
		ClientOrderID: cast.ToString(raw["externalOid"]),
		Status:        mexcOrderState(cast.ToInt(raw["state"])),
		ExecutedQty:   cast.ToFloat64(raw["dealVol"]),
		AvgPrice:      cast.ToFloat64(raw["dealAvgPrice"]),
	}, nil
}

func normalizeMexcPosition(row map[string]interface{}) Position {
	amt := cast.ToFloat64(row["holdVol"])
	side := PositionSideFlat
	switch cast.ToInt(row["positionType"]) {
	case mexcPositionTypeLong:
		side = PositionSideLong
	case mexcPositionTypeShort:
		side = PositionSideShort
	}
	if amt == 0 {
		side = PositionSideFlat
	}

	return Position{
		Symbol:        cast.ToString(row["symbol"]),
		Amt:           amt,
		EntryPrice:    cast.ToFloat64(row["holdAvgPrice"]),
		Leverage:      cast.ToInt(row["leverage"]),
		UnrealizedPnl: cast.ToFloat64(row["unrealised"]),
		Side:          side,
	}
}

func (c *MexcConnector) openPositionRows(symbol string) ([]map[string]interface{}, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = toMexcSymbol(symbol)
	}

	env, err := c.signedGet(mexcEndpoints[EndpointPositionRisk], params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}
	return rows, nil
}

func (c *MexcConnector) GetOpenPosition(symbol, side string) (*Position, error) {
	rows, err := c.openPositionRows(symbol)
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		pos := normalizeMexcPosition(row)
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

func (c *MexcConnector) GetOpenPositions() ([]Position, error) {
	rows, err := c.openPositionRows("")
	if err != nil {
		return nil, err
	}

	positions := make([]Position, 0)
	for _, row := range rows {
		pos := normalizeMexcPosition(row)
		if pos.Side == PositionSideFlat {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *MexcConnector) GetBalance() ([]Balance, error) {
	env, err := c.signedGet(mexcEndpoints[EndpointBalance], map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account assets: %w", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse account assets: %w", err)
	}

	balances := make([]Balance, 0, len(rows))
	for _, row := range rows {
		balances = append(balances, Balance{
			Asset:     cast.ToString(row["currency"]),
			Available: cast.ToFloat64(row["availableBalance"]),
			Total:     cast.ToFloat64(row["equity"]),
		})
	}
	return balances, nil
}

func (c *MexcConnector) GetUnrealized(symbol string) (float64, error) {
	rows, err := c.openPositionRows(symbol)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, row := range rows {
		total += cast.ToFloat64(row["unrealised"])
	}
	return total, nil
}

// IncomeSummary pages through order deals and sums the per-deal profit.
func (c *MexcConnector) IncomeSummary(symbol string, since time.Time) (*IncomeSummary, error) {
	summary := &IncomeSummary{Symbol: symbol, Since: since}

	for page := 1; ; page++ {
		env, err := c.signedGet(mexcEndpoints[EndpointIncome], map[string]string{
			"symbol":     toMexcSymbol(symbol),
			"start_time": strconv.FormatInt(since.UnixMilli(), 10),
			"page_num":   strconv.Itoa(page),
			"page_size":  "100",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch order deals: %w", err)
		}

		var rows []map[string]interface{}
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			return nil, fmt.Errorf("failed to parse order deals: %w", err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			summary.RealizedPnl += cast.ToFloat64(row["profit"])
			summary.Entries++
		}

		if len(rows) < 100 {
			break
		}
	}
	return summary, nil
}
