package gateway

// Messenger defines the interface for outbound notification gateways.
type Messenger interface {
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}
