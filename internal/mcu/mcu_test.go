package mcu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func header(numInstr uint16, noHeap bool) []byte {
	flags := byte(0)
	if noHeap {
		flags = flagNoHeap
	}
	return []byte{
		magicByte0, magicByte1, supportedVersion, flags,
		byte(numInstr >> 8), byte(numInstr),
		0, 0,
	}
}

// testable property 9: each header defect reports a distinct code.
func TestParse_TooShort(t *testing.T) {
	_, err := Parse([]byte{0xEF, 0xF1}, nil)
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "TOO_SHORT", verr.Code)
}

func TestParse_BadMagic(t *testing.T) {
	buf := header(0, true)
	buf[0] = 0x00
	_, err := Parse(buf, nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "BAD_MAGIC", verr.Code)
}

func TestParse_BadVersion(t *testing.T) {
	buf := header(0, true)
	buf[2] = 9
	_, err := Parse(buf, nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "BAD_VERSION", verr.Code)
}

func TestParse_Truncated(t *testing.T) {
	buf := header(2, true) // declares 2 instructions but supplies none
	_, err := Parse(buf, nil)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "TRUNCATED", verr.Code)
}

func TestParse_NoHeapFlagUnsetWarns(t *testing.T) {
	buf := header(0, false)
	var warned string
	_, err := Parse(buf, func(msg string) { warned = msg })
	require.NoError(t, err)
	assert.NotEmpty(t, warned)
}

func TestParse_ValidProgram(t *testing.T) {
	buf := header(1, true)
	buf = append(buf, 0x04, 0x00, 0, 0, 0, 0, 0, 0) // RETURN r0
	prog, err := Parse(buf, nil)
	require.NoError(t, err)
	assert.True(t, prog.NoHeap)
	require.Len(t, prog.Instructions, 1)
}

// scenario S8: CALL_SERVICE into a registered service, then RETURN, produces
// the service's output in the returned register.
func TestRun_CallServiceThenReturn(t *testing.T) {
	dispatch := Dispatch{
		Services: map[byte]ServiceFunc{
			0x01: func(input uint16) (uint16, error) { return input + 1, nil },
		},
	}
	m := NewMachine(dispatch, NewRing())
	m.Registers[0] = 41

	prog := &Program{
		Instructions: [][instructionSize]byte{
			{byte(OpCallService), 0x01, 0x00, 0x00, 0, 0, 0, 0}, // service 1, in=r0, out=r0
			{byte(OpReturn), 0x00, 0, 0, 0, 0, 0, 0},
		},
	}

	result, err := m.Run(prog)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x2A}, result.Output, "r0 == 42 big-endian")
	assert.Equal(t, 0, result.OfflineCount)
	assert.Zero(t, m.Flags&flagZero, "zero flag is cleared because the result is non-zero")
}

func TestRun_UnknownServiceSetsErrorFlagAndContinues(t *testing.T) {
	m := NewMachine(Dispatch{}, NewRing())
	prog := &Program{
		Instructions: [][instructionSize]byte{
			{byte(OpCallService), 0x99, 0x00, 0x00, 0, 0, 0, 0},
			{byte(OpReturn), 0x00, 0, 0, 0, 0, 0, 0},
		},
	}
	result, err := m.Run(prog)
	require.NoError(t, err)
	assert.NotZero(t, m.Flags&flagError)
	assert.Equal(t, []byte{0x00, 0x00}, result.Output)
}

func TestRun_ServiceFailureQueuesOffline(t *testing.T) {
	dispatch := Dispatch{
		Services: map[byte]ServiceFunc{
			0x01: func(input uint16) (uint16, error) { return 0, errors.New("unreachable") },
		},
	}
	ring := NewRing()
	m := NewMachine(dispatch, ring)
	prog := &Program{
		Instructions: [][instructionSize]byte{
			{byte(OpCallService), 0x01, 0x00, 0x00, 0, 0, 0, 0},
			{byte(OpReturn), 0x00, 0, 0, 0, 0, 0, 0},
		},
	}
	result, err := m.Run(prog)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OfflineCount)
	assert.Equal(t, 1, ring.Len())
}

func TestRun_BranchOnZeroFlag(t *testing.T) {
	dispatch := Dispatch{
		Services: map[byte]ServiceFunc{
			0x01: func(input uint16) (uint16, error) { return 0, nil },
		},
	}
	m := NewMachine(dispatch, NewRing())
	prog := &Program{
		Instructions: [][instructionSize]byte{
			{byte(OpCallService), 0x01, 0x00, 0x00, 0, 0, 0, 0}, // sets zero flag
			{byte(OpBranch), 0x00, 0x00, 0x03, 0, 0, 0, 0},      // if Z, jump to instruction 3
			{byte(OpReturn), 0x01, 0, 0, 0, 0, 0, 0},            // skipped: return r1 (=0)
			{byte(OpReturn), 0x02, 0, 0, 0, 0, 0, 0},            // taken: return r2
		},
	}
	m.Registers[2] = 7
	result, err := m.Run(prog)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x07}, result.Output)
}

func TestRun_ImplicitReturnAfterLastInstruction(t *testing.T) {
	m := NewMachine(Dispatch{}, NewRing())
	m.Registers[0] = 99
	prog := &Program{
		Instructions: [][instructionSize]byte{
			{byte(OpCallAction), 0x01, 0x00, 0, 0, 0, 0, 0},
		},
	}
	result, err := m.Run(prog)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x63}, result.Output, "implicit RETURN pushes r0 (99)")
}

// testable property 10: the ring buffer holds at most 128 entries and drops
// the oldest on overflow.
func TestRing_DropOldestOverflow(t *testing.T) {
	r := NewRing()
	for i := 0; i < 150; i++ {
		r.Enqueue(Entry{Type: EntryReport, Value: uint16(i)})
	}
	assert.Equal(t, ringCapacity, r.Len())
	assert.Equal(t, 150-ringCapacity, r.Dropped())
}

func TestRing_FlushNoOpWhileOffline(t *testing.T) {
	r := NewRing()
	r.Enqueue(Entry{Type: EntryReport, Value: 1})
	assert.Nil(t, r.Flush(), "flush is a no-op while offline")
	assert.Equal(t, 1, r.Len())
}

func TestRing_FlushDrainsInFIFOOrderWhenOnline(t *testing.T) {
	r := NewRing()
	r.Enqueue(Entry{Type: EntryReport, Value: 1})
	r.Enqueue(Entry{Type: EntryActionResult, Value: 2})
	r.SetOnline(true)

	entries := r.Flush()
	require.Len(t, entries, 2)
	assert.Equal(t, uint16(1), uint16(entries[0][2])<<8|uint16(entries[0][3]))
	assert.Equal(t, 0, r.Len())
}
