package grain

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var ErrInvalidIdentity = errors.New("invalid grain identity")

// Identity names a single virtual grain. At most one activation of an
// identity exists across all workers at any time.
type Identity struct {
	GrainType string
	ID        string
}

func NewIdentity(grainType string, key string) Identity {
	return Identity{
		GrainType: grainType,
		ID:        key,
	}
}

func (a Identity) String() string {
	return fmt.Sprintf("%s/%s", a.GrainType, a.ID)
}

func (a Identity) IsZero() bool {
	return a.GrainType == "" && a.ID == ""
}

func (a Identity) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Identity) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		return errors.WithDetailf(ErrInvalidIdentity, "expected <grainType>/<key>, got %q", string(text))
	}
	a.GrainType = parts[0]
	a.ID = parts[1]
	return nil
}
