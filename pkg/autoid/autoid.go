package autoid

import (
	"fmt"

	"github.com/google/uuid"
)

// Allocator hands out unique string identifiers.
type Allocator interface {
	AllocID() string
}

type uuidAllocator struct {
	prefix string
}

// NewUUIDAllocator creates an Allocator producing "<prefix>-<uuid>" ids.
func NewUUIDAllocator(prefix string) Allocator {
	return &uuidAllocator{prefix: prefix}
}

func (a *uuidAllocator) AllocID() string {
	if a.prefix == "" {
		return uuid.New().String()
	}
	return fmt.Sprintf("%s-%s", a.prefix, uuid.New().String())
}
