package watcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fsevents/watcher/internal/fsevents"
)

func TestNewReassemblerSelectsVariant(t *testing.T) {
	_, ok := newReassembler(VariantRingbuf).(*fsevents.RingbufReassembler)
	assert.True(t, ok)

	_, ok = newReassembler(VariantArray).(*fsevents.ArrayReassembler)
	assert.True(t, ok)
}
