package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kv-datalayer/internal/config"
	"kv-datalayer/internal/logging"
	"kv-datalayer/internal/region"
)

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: from-file\nstorage: memory\nhttp_addr: :9000\n"), 0600))

	cfg, join, err := loadConfig([]string{
		"-config", path,
		"-node-id", "from-flag",
		"-seeds", "a:7946,b:7946",
		"-join", "leader:8080",
	})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.NodeID)
	assert.Equal(t, config.StorageMemory, cfg.Storage)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, []string{"a:7946", "b:7946"}, cfg.Seeds)
	assert.Equal(t, "leader:8080", join)
}

func TestLoadConfig_RejectsInvalidStorage(t *testing.T) {
	_, _, err := loadConfig([]string{"-storage", "tape"})
	assert.Error(t, err)
}

func TestAdvertisedHTTPAddr(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTPAddr = ":8080"
	assert.Equal(t, "127.0.0.1:8080", advertisedHTTPAddr(cfg))
	cfg.HTTPAddr = "10.0.0.5:8080"
	assert.Equal(t, "10.0.0.5:8080", advertisedHTTPAddr(cfg))
}

func TestNode_RunAndShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.HTTPAddr = "127.0.0.1:0"

	node, err := NewNode(cfg, logging.Discard())
	require.NoError(t, err)

	id := region.ID{Space: 9}
	require.NoError(t, node.dataLayer.CreateRegion(id, 1))
	_, err = node.dataLayer.Put(id, []byte("k"), [][]byte{[]byte("v")}, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not shut down")
	}
	<-node.dataLayer.Done()

	// the disk region was flushed on close and survives a restart
	reopened, err := region.OpenDisk(id, filepath.Join(cfg.RegionsDir(), id.String()), 1, region.DiskOptions{})
	require.NoError(t, err)
	defer reopened.Close()
	obj, res, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, region.ResultSuccess, res)
	assert.Equal(t, uint64(1), obj.Version)
}
