package invalid

import (
	"github.com/jaym/goor/goor-gen/goor"
)

type NoContext interface {
	goor.Grain

	Hello(name string) error
}
