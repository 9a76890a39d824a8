package sdk

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsInOrder(t *testing.T) {
	t.Parallel()

	d := newDispatcher("test", 4)
	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		require.NoError(t, d.do(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	v, err := d.call(func() (any, error) { return "done", nil })
	require.NoError(t, err)
	require.Equal(t, "done", v)

	mu.Lock()
	require.Len(t, got, 100)
	for i, n := range got {
		require.Equal(t, i, n)
	}
	mu.Unlock()

	d.close()
	require.ErrorIs(t, d.do(func() {}), errDispatcherClosed)
	_, err = d.call(func() (any, error) { return nil, nil })
	require.ErrorIs(t, err, errDispatcherClosed)
}

func TestDispatcherSurvivesPanics(t *testing.T) {
	t.Parallel()

	d := newDispatcher("test", 0)
	t.Cleanup(d.close)

	_, err := d.call(func() (any, error) { panic("boom") })
	require.Error(t, err)

	v, err := d.call(func() (any, error) { return 42, nil })
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestBufferCopyTo(t *testing.T) {
	t.Parallel()

	buf := newBufferFromString("hello")
	require.Equal(t, 5, buf.Len())

	dst := make([]byte, 3)
	n, err := buf.CopyTo(int64(uintptr(unsafe.Pointer(&dst[0]))), len(dst))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "hel", string(dst))

	_, err = buf.CopyTo(0, 3)
	require.Error(t, err)
	_, err = buf.CopyTo(1, -1)
	require.Error(t, err)

	var empty *Buffer
	require.Zero(t, empty.Len())
}

func TestLogManagerKeepsTail(t *testing.T) {
	t.Parallel()

	m := newLogManager()
	require.NoError(t, m.setDir(t.TempDir()))
	t.Cleanup(func() { _ = m.close() })

	_, err := m.Write([]byte("first line\nsecond "))
	require.NoError(t, err)
	require.Equal(t, "first line\n", m.tailText())

	_, err = m.Write([]byte("half\n"))
	require.NoError(t, err)
	require.Equal(t, "first line\nsecond half\n", m.tailText())

	for i := 0; i < logTailLines+10; i++ {
		_, _ = m.Write([]byte("x\n"))
	}
	require.Len(t, splitLines(m.tailText()), logTailLines)

	require.Error(t, m.setDir(""))
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
