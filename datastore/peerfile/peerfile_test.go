package peerfile

import (
	"math/rand"
	"meshnode/datamodel/peer"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Snapshot())
}

func TestOpenMalformedFileFails(t *testing.T) {
	for name, content := range map[string]string{
		"not json":   `{{{`,
		"bad entry":  `[["127.0.0.1"]]`,
		"bad port":   `[["127.0.0.1", "x"]]`,
		"not a list": `{"peers": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "peers.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))

			_, err := Open(path)
			assert.Error(t, err)
		})
	}
}

func TestFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Add(peer.New("localhost", 5001)))
	require.NoError(t, s.Add(peer.New("127.0.0.1", 5000)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[["127.0.0.1",5000],["localhost",5001]]`, string(data))
}

func TestAddIsIdempotentButSaves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	s, err := Open(path)
	require.NoError(t, err)

	a := peer.New("127.0.0.1", 5000)
	require.NoError(t, s.Add(a))
	require.NoError(t, os.Remove(path))

	// Re-adding a known address still rewrites the file
	require.NoError(t, s.Add(a))
	assert.FileExists(t, path)
	assert.Equal(t, 1, s.Len())
}

func TestReplayEqualsReload(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pool := []peer.Address{
		peer.New("127.0.0.1", 5000),
		peer.New("127.0.0.1", 5001),
		peer.New("localhost", 5000),
		peer.New("10.0.0.7", 6000),
		peer.New("node.example", 443),
	}

	for run := 0; run < 20; run++ {
		path := filepath.Join(t.TempDir(), "peers.json")
		s, err := Open(path)
		require.NoError(t, err)

		expected := peer.NewSet()
		for op := 0; op < 30; op++ {
			a := pool[rng.Intn(len(pool))]
			if rng.Intn(3) == 0 {
				require.NoError(t, s.Remove(a))
				expected.Remove(a)
			} else {
				require.NoError(t, s.Add(a))
				expected.Add(a)
			}
		}

		reloaded, err := Open(path)
		require.NoError(t, err)
		assert.Equal(t, expected.Slice(), reloaded.Snapshot())
		assert.Equal(t, s.Snapshot(), reloaded.Snapshot())
	}
}

func TestMergeIsUnion(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	require.NoError(t, s.Add(peer.New("a", 1)))

	remote := []peer.Address{peer.New("b", 2), peer.New("a", 1)}

	added, err := s.Merge(remote)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	added, err = s.Merge(remote)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	assert.Equal(t, []peer.Address{peer.New("a", 1), peer.New("b", 2)}, s.Snapshot())
}

func TestSnapshotIsACopy(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	require.NoError(t, s.Add(peer.New("a", 1)))

	snap := s.Snapshot()
	snap[0] = peer.New("z", 9)

	assert.True(t, s.Has(peer.New("a", 1)))
	assert.False(t, s.Has(peer.New("z", 9)))
}

func TestFailedSaveKeepsState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0755))

	s, err := Open(filepath.Join(dir, "peers.json"))
	require.NoError(t, err)
	require.NoError(t, s.Add(peer.New("a", 1)))

	// Without its directory the store cannot write anything
	require.NoError(t, os.RemoveAll(dir))

	err = s.Add(peer.New("b", 2))
	assert.ErrorIs(t, err, ErrStorage)
	err = s.Remove(peer.New("a", 1))
	assert.ErrorIs(t, err, ErrStorage)
	_, err = s.Merge([]peer.Address{peer.New("c", 3)})
	assert.ErrorIs(t, err, ErrStorage)

	assert.Equal(t, []peer.Address{peer.New("a", 1)}, s.Snapshot())
}
