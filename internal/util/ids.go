package util

import "github.com/google/uuid"

// Identifier prefixes used across stored rows.
const (
	PrefixTransaction  = "tx_"
	PrefixEvent        = "evt_"
	PrefixDecisionLog  = "dl_"
	PrefixConversation = "conv_"
)

// NewID returns prefix followed by a random UUID.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}
