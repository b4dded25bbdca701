package stream

import (
	"fmt"

	"github.com/oklog/ulid/v2"
)

// comparable. used as the subscriber handle in registry maps,
// uuid formatted for logs.
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}
