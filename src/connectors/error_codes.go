package connectors

import "fmt"

// BinanceErrorCodes maps common Binance futures error codes to readable names.
var BinanceErrorCodes = map[int]string{
	-1000: "UNKNOWN",
	-1003: "TOO_MANY_REQUESTS",
	-1021: "INVALID_TIMESTAMP",          // Timestamp outside of recvWindow
	-1022: "INVALID_SIGNATURE",          // Signature for this request is not valid
	-1102: "MANDATORY_PARAM_EMPTY",      // Mandatory parameter was not sent
	-1111: "BAD_PRECISION",              // Precision is over the maximum defined for this asset
	-1121: "BAD_SYMBOL",                 // Invalid symbol
	-2010: "NEW_ORDER_REJECTED",         // Order rejected
	-2011: "CANCEL_REJECTED",            // Cancel rejected
	-2013: "NO_SUCH_ORDER",              // Order does not exist
	-2015: "REJECTED_MBX_KEY",           // Invalid API key, IP, or permissions for action
	-2019: "MARGIN_NOT_SUFFICIENT",      // Margin is insufficient
	-2022: "REDUCE_ONLY_REJECT",         // ReduceOnly order is rejected
	-4028: "INVALID_LEVERAGE",           // Leverage is not valid
	-4059: "NO_NEED_TO_CHANGE_POSITION", // Position side is already the requested one
	-4061: "POSITION_SIDE_NOT_MATCH",    // Order's position side does not match user's setting
}

// GetBinanceErrorMsg returns a readable name for a Binance error code, or a
// generic message including the code when it is unknown.
func GetBinanceErrorMsg(code int) string {
	if msg, ok := BinanceErrorCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("UNKNOWN_BINANCE_ERROR_%d", code)
}
