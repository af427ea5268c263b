package testutils

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger whose output is discarded and whose entries
// can be inspected through the returned hook.
func NewLogger(t testing.TB) (*log.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	return log.NewEntry(logger).WithField("test", t.Name()), hook
}
