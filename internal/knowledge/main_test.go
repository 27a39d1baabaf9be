package knowledge

import (
	"testing"

	"go.uber.org/goleak"
)

// The in-memory store must not leave goroutines behind after use.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
