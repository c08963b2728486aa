package connectors

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

func hmacSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// floorToStep rounds value down to a multiple of step and returns it as a
// plain decimal string without exponent notation or trailing zeros beyond
// the step's precision.
func floorToStep(value, step float64) string {
	if step <= 0 {
		return decimal.NewFromFloat(value).String()
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	floored := v.Div(s).Floor().Mul(s)
	return floored.Round(stepPrecision(s)).String()
}

func stepPrecision(step decimal.Decimal) int32 {
	return -step.Exponent()
}

// adjustQuantityWithMeta floors qty to the step size and clamps it up to the
// minimum tradable quantity.
func adjustQuantityWithMeta(meta *SymbolMeta, qty float64) string {
	floored := floorToStep(qty, meta.StepSize)
	f, _ := decimal.NewFromString(floored)
	min := decimal.NewFromFloat(meta.MinQty)
	if f.LessThan(min) {
		return min.String()
	}
	return f.String()
}

// canonicalJSON marshals params as compact JSON with sorted keys. The exact
// bytes returned here are both signed and transmitted.
func canonicalJSON(params map[string]interface{}) ([]byte, error) {
	// json.Marshal sorts map keys and emits compact output.
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request params: %w", err)
	}
	return b, nil
}

// sortedParamString renders params as "k1=v1&k2=v2" with keys sorted, without
// URL escaping. MEXC signs the raw parameter string.
func sortedParamString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}
