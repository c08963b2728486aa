package connectors

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// verifyBybitSignature recomputes the V5 signature from the transmitted
// headers and payload (query for GET, exact body bytes for POST).
func verifyBybitSignature(t *testing.T, r *http.Request, secret string) {
	t.Helper()

	ts := r.Header.Get("X-BAPI-TIMESTAMP")
	apiKey := r.Header.Get("X-BAPI-API-KEY")
	recv := r.Header.Get("X-BAPI-RECV-WINDOW")
	got := r.Header.Get("X-BAPI-SIGN")

	if ts == "" || apiKey == "" || recv == "" || got == "" {
		t.Fatalf("missing auth headers: ts=%q key=%q recv=%q sign=%q", ts, apiKey, recv, got)
	}
	if r.Header.Get("X-BAPI-SIGN-TYPE") != "2" {
		t.Fatalf("expected X-BAPI-SIGN-TYPE 2")
	}

	var payload string
	if r.Method == http.MethodGet {
		payload = r.URL.RawQuery
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		payload = string(body)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + apiKey + recv + payload))
	want := hex.EncodeToString(mac.Sum(nil))

	if got != want {
		t.Fatalf("signature mismatch: got %s want %s (payload=%s)", got, want, payload)
	}
}

func serveBybitTime(w http.ResponseWriter) {
	fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"timeNano":"%d"}}`, time.Now().UnixNano())
}

func newBybitTestServer(t *testing.T, handler http.HandlerFunc) *BybitConnector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewBybitConnector("bybit_futures_testnet", testAPIKey, testAPISecret, srv.URL, time.Minute)
}

func TestBybitPlaceOrderSignsExactBodyBytes(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveBybitTime(w)
			return
		}
		if r.URL.Path != "/v5/order/create" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		verifyBybitSignature(t, r, testAPISecret)
		if r.Header.Get("X-BAPI-RECV-WINDOW") != "60000" {
			t.Fatalf("expected long recvWindow on order placement, got %q", r.Header.Get("X-BAPI-RECV-WINDOW"))
		}
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-123","orderLinkId":"sig_open_7"}}`)
	})

	result, err := c.PlaceOrder(OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          "buy",
		Quantity:      "0.01",
		ClientOrderID: "sig_open_7",
	})
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if result.OrderID != "abc-123" || result.ClientOrderID != "sig_open_7" {
		t.Fatalf("unexpected order result: %+v", result)
	}
}

func TestBybitGetSignsSortedQuery(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveBybitTime(w)
			return
		}
		if r.URL.Path != "/v5/position/list" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		verifyBybitSignature(t, r, testAPISecret)
		if r.Header.Get("X-BAPI-RECV-WINDOW") != "5000" {
			t.Fatalf("expected short recvWindow on position read, got %q", r.Header.Get("X-BAPI-RECV-WINDOW"))
		}
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Sell","size":"0.5","avgPrice":"61000","leverage":"7","unrealisedPnl":"-3.3"}]}}`)
	})

	pos, err := c.GetOpenPosition("BTCUSDT", "")
	if err != nil {
		t.Fatalf("GetOpenPosition failed: %v", err)
	}
	if pos.Side != PositionSideShort || pos.Amt != 0.5 || pos.EntryPrice != 61000 {
		t.Fatalf("unexpected normalized position: %+v", pos)
	}
}

func TestBybitRetCodeBecomesExchangeError(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":110007,"retMsg":"ab not enough for new order","result":{}}`)
	})

	_, err := c.PlaceOrder(OrderRequest{Symbol: "BTCUSDT", Side: "buy", Quantity: "1"})
	if err == nil {
		t.Fatalf("expected error on non-zero retCode")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Kind != ErrKindExchange || apiErr.Code != 110007 {
		t.Fatalf("unexpected classification: %+v", apiErr)
	}
}

func TestBybitLeverageNotModifiedIsSuccess(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":110043,"retMsg":"leverage not modified","result":{}}`)
	})

	if err := c.SetLeverage("BTCUSDT", 10); err != nil {
		t.Fatalf("expected 110043 to be treated as success, got %v", err)
	}
}

func TestBybitModeNotModifiedIsSuccess(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":110025,"retMsg":"position mode is not modified","result":{}}`)
	})

	if err := c.SetPositionMode(true); err != nil {
		t.Fatalf("expected 110025 to be treated as success, got %v", err)
	}
}

func TestBybitPositionModeInferredFromPositionIdx(t *testing.T) {
	hedge := false

	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hedge {
			fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","positionIdx":1,"size":"0.1","side":"Buy"}]}}`)
			return
		}
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","positionIdx":0,"size":"0.1","side":"Buy"}]}}`)
	})

	oneWay, err := c.GetPositionMode()
	if err != nil {
		t.Fatalf("GetPositionMode failed: %v", err)
	}
	if !oneWay {
		t.Fatalf("positionIdx 0 should read as one-way")
	}

	hedge = true
	oneWay, err = c.GetPositionMode()
	if err != nil {
		t.Fatalf("GetPositionMode failed: %v", err)
	}
	if oneWay {
		t.Fatalf("positionIdx 1 should read as hedge")
	}
}

func TestBybitSignsWithServerTimestamp(t *testing.T) {
	const servedMs = int64(1700000000123)

	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"timeNano":"%d"}}`, servedMs*int64(time.Millisecond))
			return
		}
		if got := r.Header.Get("X-BAPI-TIMESTAMP"); got != fmt.Sprint(servedMs) {
			t.Fatalf("expected signature timestamp from exchange clock %d, got %q", servedMs, got)
		}
		verifyBybitSignature(t, r, testAPISecret)
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[]}}`)
	})

	if _, err := c.GetOpenPosition("BTCUSDT", ""); err != nil {
		t.Fatalf("GetOpenPosition failed: %v", err)
	}
}

func TestBybitGetBalanceFlattensCoinList(t *testing.T) {
	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveBybitTime(w)
			return
		}
		if r.URL.Path != "/v5/account/wallet-balance" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		verifyBybitSignature(t, r, testAPISecret)
		if r.URL.Query().Get("accountType") != "UNIFIED" {
			t.Fatalf("expected UNIFIED accountType, got %q", r.URL.Query().Get("accountType"))
		}
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"coin":[
			{"coin":"usdt","availableToWithdraw":"800.5","walletBalance":"1200"},
			{"coin":"BTC","availableToWithdraw":"0.05","walletBalance":"0.05"}]}]}}`)
	})

	balances, err := c.GetBalance()
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(balances))
	}
	if balances[0].Asset != "USDT" || balances[0].Available != 800.5 || balances[0].Total != 1200 {
		t.Fatalf("unexpected USDT balance: %+v", balances[0])
	}
	if balances[1].Asset != "BTC" || balances[1].Available != 0.05 {
		t.Fatalf("unexpected BTC balance: %+v", balances[1])
	}
}

func TestBybitIncomeSummaryWalksCursor(t *testing.T) {
	var calls int

	c := newBybitTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v5/market/time" {
			serveBybitTime(w)
			return
		}
		if r.URL.Path != "/v5/position/closed-pnl" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		calls++
		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"closedPnl":"1.5"},{"closedPnl":"-0.5"}],"nextPageCursor":"page2"}}`)
			return
		}
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"closedPnl":"2.0"}],"nextPageCursor":""}}`)
	})

	summary, err := c.IncomeSummary("BTCUSDT", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("IncomeSummary failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 pages, got %d calls", calls)
	}
	if summary.Entries != 3 || summary.RealizedPnl != 3.0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
