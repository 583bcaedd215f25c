package syscallshim

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/rv64dbi/dbi/internal/rsa"
	"github.com/stretchr/testify/require"
)

func TestHandleWriteEmulatesStdout(t *testing.T) {
	var out bytes.Buffer
	s := New(&out)
	area := rsa.New()

	msg := []byte("hello")
	area.GPR[17] = SysWrite
	area.GPR[10] = 1 // fd
	area.GPR[11] = uint64(uintptr(unsafe.Pointer(&msg[0])))
	area.GPR[12] = uint64(len(msg))

	disp, err := s.Handle(area)
	require.NoError(t, err)
	require.False(t, disp.Halt)
	require.Equal(t, uint64(len(msg)), area.GPR[10])
	require.Equal(t, "hello", out.String())
}

func TestHandleWriteRejectsOtherDescriptors(t *testing.T) {
	var out bytes.Buffer
	s := New(&out)
	area := rsa.New()

	area.GPR[17] = SysWrite
	area.GPR[10] = 3
	area.GPR[11] = 0
	area.GPR[12] = 0

	disp, err := s.Handle(area)
	require.NoError(t, err)
	require.False(t, disp.Halt)
	require.Equal(t, negErrno(9), area.GPR[10])
	require.Zero(t, out.Len())
}

func TestHandleExitHalts(t *testing.T) {
	s := New(&bytes.Buffer{})
	area := rsa.New()
	area.GPR[17] = SysExit
	area.GPR[10] = 7

	disp, err := s.Handle(area)
	require.NoError(t, err)
	require.True(t, disp.Halt)
	require.Equal(t, int32(7), disp.ExitCode)
}

func TestHandleExitGroupHalts(t *testing.T) {
	s := New(&bytes.Buffer{})
	area := rsa.New()
	area.GPR[17] = SysExitGr
	area.GPR[10] = 0

	disp, err := s.Handle(area)
	require.NoError(t, err)
	require.True(t, disp.Halt)
	require.Zero(t, disp.ExitCode)
}

func TestHandleUnregisteredSyscallErrors(t *testing.T) {
	s := New(&bytes.Buffer{})
	area := rsa.New()
	area.GPR[17] = 999

	_, err := s.Handle(area)
	require.Error(t, err)
}

func TestRegisterOverridesHandler(t *testing.T) {
	s := New(&bytes.Buffer{})
	area := rsa.New()
	area.GPR[17] = 1000

	called := false
	s.Register(1000, func(area *rsa.Area) (Disposition, error) {
		called = true
		area.GPR[10] = 42
		return Disposition{}, nil
	})

	disp, err := s.Handle(area)
	require.NoError(t, err)
	require.False(t, disp.Halt)
	require.True(t, called)
	require.Equal(t, uint64(42), area.GPR[10])
}
