package failsafe

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

const name = "lonip.cfg"

var (
	oldContent = []byte("old content")
	newContent = []byte("new content, longer than the old one")
)

// writeOps is the number of mutating operations Write performs when
// replacing an existing file.
const writeOps = 8

func seeded(t *testing.T) (*MemFS, *Store) {
	t.Helper()
	m := NewMemFS()
	s := New(m)
	require.NoError(t, s.Write(name, oldContent))
	return m, s
}

func sortedNames(m *MemFS) []string {
	n := m.Names()
	slices.Sort(n)
	return n
}

func TestWriteReplacesContent(t *testing.T) {
	m, s := seeded(t)

	m.FailAfter(-1)
	require.NoError(t, s.Write(name, []byte("new "), []byte("content, longer than the old one")))
	require.Equal(t, writeOps, m.Ops())

	got, err := s.Get(name)
	require.NoError(t, err)
	require.Equal(t, newContent, got)
	require.Equal(t, []string{name}, sortedNames(m))
}

func TestFirstWriteLeavesNoVariants(t *testing.T) {
	m := NewMemFS()
	s := New(m)

	_, err := s.Get(name)
	require.ErrorIs(t, err, ErrNotExist)

	require.NoError(t, s.Write(name, oldContent))
	require.Equal(t, []string{name}, sortedNames(m))
}

func TestInterruptedWriteRecoversCompleteContent(t *testing.T) {
	for n := 0; n <= writeOps; n++ {
		t.Run(fmt.Sprintf("after_%d_ops", n), func(t *testing.T) {
			m, s := seeded(t)

			m.FailAfter(n)
			err := s.Write(name, newContent)
			if n < writeOps {
				require.ErrorIs(t, err, ErrInjected)
			} else {
				require.NoError(t, err)
			}
			m.Reset()

			got, err := s.Get(name)
			require.NoError(t, err)
			require.Contains(t, [][]byte{oldContent, newContent}, got)

			names := sortedNames(m)
			again, err := s.Get(name)
			require.NoError(t, err)
			require.Equal(t, got, again)
			require.Equal(t, names, sortedNames(m))
		})
	}
}

func TestInterruptedRecoveryConverges(t *testing.T) {
	for n := 0; n < writeOps; n++ {
		for r := 0; r < writeOps; r++ {
			t.Run(fmt.Sprintf("write_%d_recover_%d", n, r), func(t *testing.T) {
				m, s := seeded(t)

				m.FailAfter(n)
				_ = s.Write(name, newContent)

				m.FailAfter(r)
				_, _ = s.Get(name)
				m.Reset()

				got, err := s.Get(name)
				require.NoError(t, err)
				require.Contains(t, [][]byte{oldContent, newContent}, got)
			})
		}
	}
}

func TestInterruptedFirstWriteIsAbsent(t *testing.T) {
	m := NewMemFS()
	s := New(m)

	m.FailAfter(2)
	require.ErrorIs(t, s.Write(name, oldContent), ErrInjected)
	m.Reset()

	_, err := s.Get(name)
	require.ErrorIs(t, err, ErrNotExist)
}

func TestRecoveryPrefersNewOverOld(t *testing.T) {
	m := NewMemFS()
	require.NoError(t, m.WriteFile(name+suffixOld, oldContent))
	require.NoError(t, m.WriteFile(name+suffixNew, newContent))
	require.NoError(t, m.WriteFile(name+suffixTemp, []byte("partial")))

	s := New(m)
	got, err := s.Get(name)
	require.NoError(t, err)
	require.Equal(t, newContent, got)
	require.Equal(t, []string{name}, sortedNames(m))
}

func TestRecoveryNeverReadsTemp(t *testing.T) {
	m := NewMemFS()
	require.NoError(t, m.WriteFile(name+suffixTemp, []byte("partial")))

	_, err := New(m).Get(name)
	require.ErrorIs(t, err, ErrNotExist)
}

func TestOSFSWriteAndRecover(t *testing.T) {
	o, err := NewOSFS(t.TempDir())
	require.NoError(t, err)
	s := New(o)

	require.NoError(t, s.Write(name, oldContent))
	require.NoError(t, s.Write(name, newContent))

	// Simulate a crash between backing up and installing.
	require.NoError(t, o.WriteFile(name+suffixNew, []byte("newer")))
	require.NoError(t, o.Rename(name, name+suffixOld))

	got, err := s.Get(name)
	require.NoError(t, err)
	require.Equal(t, []byte("newer"), got)

	for _, suffix := range []string{suffixNew, suffixOld, suffixTemp} {
		ok, err := o.Exists(name + suffix)
		require.NoError(t, err)
		require.False(t, ok, suffix)
	}
}
