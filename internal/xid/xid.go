package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns an id of the form "<prefix>-<uuid>".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
