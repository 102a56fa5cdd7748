package test

import (
	"testing"

	"github.com/slackhq/qio/sga"
	"github.com/stretchr/testify/assert"
)

// AssertSGAEqual checks that two scatter-gather arrays have the same buffer count, lengths and contents.
// Buffer identity and capacity are not compared, a nil buffer equals an empty one.
func AssertSGAEqual(t *testing.T, expected, actual *sga.SGA) bool {
	t.Helper()
	if !assert.NotNil(t, actual) {
		return false
	}
	if !assert.Equal(t, expected.NumBufs(), actual.NumBufs(), "buffer count") {
		return false
	}

	ok := true
	for i := range expected.Bufs {
		ok = assert.Equal(t, len(expected.Bufs[i]), len(actual.Bufs[i]), "buffer %d length", i) && ok
		ok = assert.Equal(t, string(expected.Bufs[i]), string(actual.Bufs[i]), "buffer %d contents", i) && ok
	}
	return ok
}
