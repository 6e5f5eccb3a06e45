package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier such as "adj_0b6f...".
func New(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}
