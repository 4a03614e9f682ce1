package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/clock"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/controller"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/issuer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/internal/recovery"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Feed struct {
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotPath     string        `yaml:"snapshot_path"`
		WALPath          string        `yaml:"wal_path"`
	} `yaml:"feed"`
	Producers []struct {
		ID                     int           `yaml:"id"`
		Name                   string        `yaml:"name"`
		APIPath                string        `yaml:"api_path"`
		MaxRecoveryTime        time.Duration `yaml:"max_recovery_time"`
		StatefulRecoveryWindow time.Duration `yaml:"stateful_recovery_window"`
	} `yaml:"producers"`
}

// printer prints every transition the demo controller reports
type printer struct{}

func (printer) RecordStatusChange(c types.StatusChange) {
	fmt.Printf("  producer %d: %s → %s (%s)\n", c.ProducerID, c.Old, c.New, c.Reason)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctrlConfig := controller.Config{
		CheckInterval:    time.Second,
		SnapshotInterval: cfg.Feed.SnapshotInterval,
		SnapshotPath:     cfg.Feed.SnapshotPath,
		WALPath:          cfg.Feed.WALPath,
	}
	for _, p := range cfg.Producers {
		ctrlConfig.Producers = append(ctrlConfig.Producers, controller.ProducerConfig{
			Producer: producer.Config{
				ID:                     types.ProducerID(p.ID),
				Name:                   p.Name,
				APIPath:                p.APIPath,
				MaxRecoveryTime:        p.MaxRecoveryTime,
				StatefulRecoveryWindow: p.StatefulRecoveryWindow,
			},
			Recovery: recovery.Config{AliveViolationTimeout: 5 * time.Second, MaxMessageAge: 5 * time.Second},
		})
	}

	// 請求只記錄不送出
	iss := issuer.NewLogging(time.Now().Unix())
	ctrl, err := controller.NewController(ctrlConfig, iss, clock.System(), controller.WithObserver(printer{}))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}

	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 第一個 alive：依是否有持久化的狀態決定 full 或 after-timestamp
	for _, st := range ctrl.Statuses() {
		if err := ctrl.ProcessSystemMessage(aliveNow(st.ID)); err != nil {
			log.Fatalf("Failed to process alive: %v", err)
		}
	}

	fmt.Printf("\n📨 Recovery requests:\n")
	for _, s := range iss.Sent() {
		if s.Kind == issuer.KindAfter {
			fmt.Printf("  producer %d: %s request_id=%d after=%s\n", s.Producer, s.Kind, s.RequestID, s.After.Format(time.RFC3339))
		} else {
			fmt.Printf("  producer %d: %s request_id=%d\n", s.Producer, s.Kind, s.RequestID)
		}
	}
	if mode == "recover" {
		fmt.Printf("\n💡 after-timestamp requests prove the last confirmed alive survived the restart\n")
	}

	for _, s := range iss.Sent() {
		msg := types.Message{Kind: types.KindSnapshotComplete, ProducerID: s.Producer, RequestID: s.RequestID, Timestamp: time.Now()}
		if err := ctrl.ProcessUserMessage(msg, types.InterestAll); err != nil {
			log.Fatalf("Failed to process snapshot_complete: %v", err)
		}
	}

	if mode == "start" {
		fmt.Printf("\n⚡ Producers send an alive every second...\n")
		fmt.Printf("💡 Press Ctrl+C, then run 'go run cmd/demo/main.go recover'\n\n")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
			ctrl.Stop()
			fmt.Println("✓ Controller stopped")
			return
		case <-ticker.C:
			for _, st := range ctrl.Statuses() {
				_ = ctrl.ProcessSystemMessage(aliveNow(st.ID))
			}
			fmt.Printf("📊 Status:")
			for _, st := range ctrl.Statuses() {
				fmt.Printf(" %s=%s", st.Name, st.Status)
			}
			fmt.Println()
		}
	}
}

func aliveNow(id types.ProducerID) types.Message {
	return types.Message{Kind: types.KindAlive, ProducerID: id, Timestamp: time.Now(), Subscribed: true}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
