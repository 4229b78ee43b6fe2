// services/health_service.go

package services

import (
	"context"

	"github.com/sirupsen/logrus"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/norun9/cartsession/cartstore"
)

// HealthCheckService はセッションバックエンドの状態を gRPC ヘルスチェックとして提供します
type HealthCheckService struct {
	healthpb.UnimplementedHealthServer
	sessions cartstore.SessionBackend
	log      logrus.FieldLogger
}

// NewHealthCheckService は sessions が Ping に応答する間 SERVING を返すサービスを生成します
func NewHealthCheckService(sessions cartstore.SessionBackend, log logrus.FieldLogger) *HealthCheckService {
	return &HealthCheckService{sessions: sessions, log: log}
}

// Check はセッションバックエンドに Ping します
func (h *HealthCheckService) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	h.log.Debug("HealthCheckService: Check called")
	if h.sessions.Ping(ctx) {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
}
