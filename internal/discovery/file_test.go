package discovery_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robomesh/mapapi/internal/discovery"
	"github.com/robomesh/mapapi/internal/model"
)

func newFileDiscovery(t *testing.T, self model.PeerId) *discovery.FileDiscovery {
	t.Helper()
	path := filepath.Join(t.TempDir(), "discovery.txt")
	return discovery.NewFileDiscovery(path, self, zap.NewNop())
}

func TestFileDiscovery_AnnounceAndGetPeers(t *testing.T) {
	self := model.PeerId("127.0.0.1:7850")
	d := newFileDiscovery(t, self)

	peers, err := d.GetPeers()
	require.NoError(t, err)
	assert.Empty(t, peers, "missing file means no peers")

	require.NoError(t, d.Announce())
	peers, err = d.GetPeers()
	require.NoError(t, err)
	assert.Equal(t, []model.PeerId{self}, peers)
}

func TestFileDiscovery_Remove(t *testing.T) {
	self := model.PeerId("127.0.0.1:7850")
	other := model.PeerId("127.0.0.1:7851")
	d := newFileDiscovery(t, self)
	require.NoError(t, d.Announce())

	otherDiscovery := discovery.NewFileDiscovery(d.Path(), other, zap.NewNop())
	require.NoError(t, otherDiscovery.Announce())

	require.NoError(t, d.Remove(other))
	peers, err := d.GetPeers()
	require.NoError(t, err)
	assert.Equal(t, []model.PeerId{self}, peers)
}

func TestFileDiscovery_LockSerializes(t *testing.T) {
	self := model.PeerId("127.0.0.1:7850")
	d := newFileDiscovery(t, self)

	require.NoError(t, d.Lock())
	released := false
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		other := discovery.NewFileDiscovery(d.Path(), model.PeerId("127.0.0.1:7851"), zap.NewNop())
		require.NoError(t, other.Lock())
		mu.Lock()
		wasReleased := released
		mu.Unlock()
		assert.True(t, wasReleased, "second lock must wait for the first")
		require.NoError(t, other.Unlock())
	}()

	mu.Lock()
	released = true
	mu.Unlock()
	require.NoError(t, d.Unlock())
	<-done
}

func TestFileDiscovery_UnlockWithoutLockFails(t *testing.T) {
	d := newFileDiscovery(t, model.PeerId("127.0.0.1:7850"))
	assert.Error(t, d.Unlock())
}
