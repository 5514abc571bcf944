// This package defines the key id type used by senderkeys. Ids are time-ordered (v7) UUIDs rendered as strings.
package ids

import (
	"github.com/google/uuid"
)

func NewKeyID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidKeyID reports whether s is a canonical UUID string.
func ValidKeyID(s string) bool {
	u, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return u.String() == s
}
