package sys

import (
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatchWithoutFault(t *testing.T) {
	ran := false
	_, faulted := Catch(func() { ran = true })
	require.True(t, ran)
	require.False(t, faulted)
}

func TestCatchPropagatesOtherPanics(t *testing.T) {
	boom := errors.New("boom")
	require.PanicsWithError(t, "boom", func() {
		Catch(func() { panic(boom) })
	})
}

func TestSupportedOnLinux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("protection faults are only guaranteed to be catchable on linux")
	}
	require.True(t, Supported())
	// Cached result.
	require.True(t, Supported())
}
