package storage

import "fmt"

// Pebble key schema.
// Prefix-based so range scans stay cheap: all positions of an account,
// all trades of an instrument in time order.
const (
	prefixAccount  = "acc:"   // account cash state
	prefixPosition = "pos:"   // position state
	prefixOrder    = "ord:"   // order state
	prefixTrade    = "trade:" // trade history
)

// accountKey: "acc:{accountID}"
func accountKey(accountID string) []byte {
	return []byte(prefixAccount + accountID)
}

// positionKey: "pos:{accountID}:{instrumentID}"
func positionKey(accountID, instrumentID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, accountID, instrumentID))
}

// orderKey: "ord:{orderID}"
func orderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// tradeKey: "trade:{instrumentID}:{timestamp:020d}:{tradeID}"
// Timestamp is zero-padded so lexicographic order is time order.
func tradeKey(instrumentID string, timestamp int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, instrumentID, timestamp, tradeID))
}

// tradePrefix: all trades of one instrument.
func tradePrefix(instrumentID string) []byte {
	return []byte(prefixTrade + instrumentID + ":")
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
