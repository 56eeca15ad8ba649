package model

import "github.com/google/uuid"

// NewID returns a prefixed random identifier such as "act_3f2c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
