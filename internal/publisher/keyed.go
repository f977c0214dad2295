// Package publisher holds what the downstream publisher adapters share.
package publisher

// Keyed payloads carry an ordering key so messages about one job arrive in
// commit order.
type Keyed interface {
	OrderingKey() string
}

// OrderingKey returns the key for payload, or "" when it has none.
func OrderingKey(payload any) string {
	if k, ok := payload.(Keyed); ok {
		return k.OrderingKey()
	}
	return ""
}
