package snapshot

// ============================================================================
// 職責說明：
// 1. 將每個 producer 最後確認正常的 alive 時間序列化為 JSON 狀態檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 重新啟動時以狀態檔的時間作為 LastTimestampBeforeDisconnect，
//    讓 recovery 從上次的位置接續，而不是完整 recovery
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"github.com/goccy/go-json"
)

// SchemaVersion 目前的狀態檔版本
const SchemaVersion = 1

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 狀態檔管理器
type Manager struct {
	path string     // 狀態檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立狀態檔管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入狀態檔
//
// 使用原子性寫入流程：
// 1. 寫入同目錄的臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
//
// 參數：
//   - data: 狀態資料
//
// 返回值：
//   - error: 寫入失敗時的錯誤
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.Producers == nil {
		data.Producers = make(map[types.ProducerID]types.ProducerState)
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Load 載入狀態檔
//
// 行為：
//   - 如果檔案不存在，回傳空的 SnapshotData（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的檔案
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{
				Producers: make(map[types.ProducerID]types.ProducerState),
				SchemaVer: SchemaVersion,
			}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Producers == nil {
		data.Producers = make(map[types.ProducerID]types.ProducerState)
	}

	return data, nil
}

// Exists 檢查狀態檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得狀態檔路徑
func (m *Manager) GetPath() string {
	return m.path
}
