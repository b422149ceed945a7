// Package idgen generates the service's prefixed random identifiers
// ("dsp_" disputes, "prop_" proposals, "room_" rooms, "evt_" events).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 24 hex characters (12 random
// bytes). Collisions are not checked; at this entropy they do not happen.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
