// ============================================================================
// HEALTH REPORTER - gRPC HEALTH CHECKS PER PRODUCER
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose producer recovery status over the standard gRPC health
// checking protocol (grpc.health.v1.Health) so load balancers and probes can
// tell whether downstream consumers may trust the odds.
//
// HEALTH CHECK LEVELS:
//
//   ┌──────────────────────┬──────────────────────────────────────────────┐
//   │ Service name         │ SERVING when                                 │
//   ├──────────────────────┼──────────────────────────────────────────────┤
//   │ "" (empty)           │ every registered producer is completed       │
//   │ "producer/<name>"    │ that producer is completed                   │
//   └──────────────────────┴──────────────────────────────────────────────┘
//
//   not_started, started, delayed and error all map to NOT_SERVING.
//   Unregistered names answer NOT_FOUND (health.Server behaviour).
//
// The reporter is a controller observer: RegisterProducer is called once per
// configured producer, RecordStatusChange on every transition.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ChuLiYu/oddsfeed-recovery/internal/producer"
	"github.com/ChuLiYu/oddsfeed-recovery/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

// OverallService health 服務名稱：所有 producer
const OverallService = ""

// ServiceName producer 在 health 協定中的服務名稱
func ServiceName(p *producer.Producer) string {
	return "producer/" + p.Name()
}

// HealthReporter 將 producer 狀態映射到 gRPC health 狀態
type HealthReporter struct {
	health *health.Server

	mu       sync.Mutex
	names    map[types.ProducerID]string
	statuses map[types.ProducerID]types.RecoveryStatus
}

// NewHealthReporter 建立 reporter，尚無 producer 時整體為 NOT_SERVING
func NewHealthReporter() *HealthReporter {
	h := health.NewServer()
	h.SetServingStatus(OverallService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{
		health:   h,
		names:    make(map[types.ProducerID]string),
		statuses: make(map[types.ProducerID]types.RecoveryStatus),
	}
}

// HealthServer 返回底層的 grpc_health_v1 實作
func (r *HealthReporter) HealthServer() healthpb.HealthServer {
	return r.health
}

// RegisterProducer 以 NOT_SERVING 登記 producer
func (r *HealthReporter) RegisterProducer(p *producer.Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.names[p.ID()] = ServiceName(p)
	r.statuses[p.ID()] = types.StatusNotStarted
	r.health.SetServingStatus(r.names[p.ID()], healthpb.HealthCheckResponse_NOT_SERVING)
	r.updateOverallLocked()
}

// RecordStatusChange 更新 producer 與整體的 health 狀態
func (r *HealthReporter) RecordStatusChange(change types.StatusChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.names[change.ProducerID]
	if !ok {
		log.Warn("Status change for unregistered producer", "producer", change.ProducerID)
		return
	}

	r.statuses[change.ProducerID] = change.New
	r.health.SetServingStatus(name, servingStatus(change.New))
	r.updateOverallLocked()
}

// updateOverallLocked 呼叫端持有 r.mu
func (r *HealthReporter) updateOverallLocked() {
	overall := healthpb.HealthCheckResponse_SERVING
	if len(r.statuses) == 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	for _, s := range r.statuses {
		if !s.IsUp() {
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	r.health.SetServingStatus(OverallService, overall)
}

func servingStatus(s types.RecoveryStatus) healthpb.HealthCheckResponse_ServingStatus {
	if s.IsUp() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve 在 addr 上啟動 gRPC server，ctx 取消時優雅關閉
//
// 關閉時先呼叫 health.Shutdown()，讓 Watch 中的客戶端收到 NOT_SERVING
func (r *HealthReporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return r.serve(ctx, lis)
}

func (r *HealthReporter) serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, r.health)

	go func() {
		<-ctx.Done()
		r.health.Shutdown()
		srv.GracefulStop()
	}()

	log.Info("Health server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
