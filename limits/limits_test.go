package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReassemblyLeavesRoomForOneFrame(t *testing.T) {
	assert.GreaterOrEqual(t, MaxReassemblyBuffer, MaxFrameLength+HeaderOverhead)
	assert.Less(t, DefaultScanBudget, MaxReassemblyBuffer)
}

func TestValidateFrameSize(t *testing.T) {
	assert.NoError(t, ValidateFrameSize(nil, 0))
	assert.NoError(t, ValidateFrameSize(make([]byte, 4), 4))

	err := ValidateFrameSize(make([]byte, 5), 4)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Contains(t, err.Error(), "5 exceeds limit 4")
}

func TestValidateReassembly(t *testing.T) {
	assert.NoError(t, ValidateReassembly(10, 10, 20))
	assert.ErrorIs(t, ValidateReassembly(10, 11, 20), ErrMessageTooLarge)
}
