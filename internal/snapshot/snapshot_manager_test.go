package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證狀態檔的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("producers.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "producers.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "producers.json")
	manager := NewManager(snapshotPath)

	original := types.SnapshotData{
		Producers: map[types.ProducerID]types.ProducerState{
			1: {LastAliveMs: 1717264500000, Status: types.StatusCompleted},
			3: {LastAliveMs: 1717264495000, Status: types.StatusDelayed},
		},
		WrittenAt: 1717264501000,
	}

	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, original.Producers, loaded.Producers)
	assert.Equal(t, original.WrittenAt, loaded.WrittenAt)
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))

	data, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Producers)
	assert.Empty(t, data.Producers)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.False(t, manager.Exists())
}

func TestWriteCreatesDirectory(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "nested", "state", "producers.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Producers)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "producers.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{}))
	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteOverwrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "producers.json"))

	require.NoError(t, manager.Write(types.SnapshotData{
		Producers: map[types.ProducerID]types.ProducerState{1: {LastAliveMs: 1}},
	}))
	require.NoError(t, manager.Write(types.SnapshotData{
		Producers: map[types.ProducerID]types.ProducerState{1: {LastAliveMs: 2}},
	}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Producers[1].LastAliveMs)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestLoadCorruptedSnapshot(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "producers.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte("{not json"), 0o644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "producers.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"producers":{},"schema_ver":2}`), 0o644))

	_, err := NewManager(snapshotPath).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestLoadNullProducers(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "producers.json")
	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"producers":null,"schema_ver":1}`), 0o644))

	data, err := NewManager(snapshotPath).Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Producers)
}

// ============================================================================
// 並發測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "producers.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := manager.Write(types.SnapshotData{
				Producers: map[types.ProducerID]types.ProducerState{
					types.ProducerID(n): {LastAliveMs: int64(n)},
				},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Producers, 1)
}
