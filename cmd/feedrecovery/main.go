package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/cli"
)

// 由 CI 以 -ldflags "-X main.version=... -X main.commit=..." 注入
var (
	version = ""
	commit  = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if version != "" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}

	// cobra 已輸出錯誤訊息
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
