// Package guard switches the process into test mode when imported, so
// binaries under test never dial Postgres, Redis or Kafka.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("GASTRONOM_TEST_MODE") == "" {
			_ = os.Setenv("GASTRONOM_TEST_MODE", "1")
		}
	})
}
