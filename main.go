// main.go

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/norun9/cartsession/cart"
	"github.com/norun9/cartsession/cartstore"
	"github.com/norun9/cartsession/services"
)

const serviceName = "cartsession"

var cli struct {
	Port         string        `help:"HTTP port for the cart API." env:"PORT" default:"8080"`
	GRPCPort     string        `name:"grpc-port" help:"gRPC port for health checks." env:"GRPC_PORT" default:"7070"`
	RedisAddr    string        `help:"Redis address for sessions. Sessions are kept in memory when empty." env:"REDIS_ADDR"`
	SessionTTL   time.Duration `help:"Idle lifetime of a visitor session." env:"SESSION_TTL" default:"48h"`
	LogLevel     string        `help:"Log level." env:"LOG_LEVEL" default:"info" enum:"trace,debug,info,warn,error"`
	OTLPEndpoint string        `name:"otlp-endpoint" help:"OTLP gRPC collector endpoint." env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`

	CartMaxItem     string `help:"Maximum number of distinct products in a cart, 0 for no limit." env:"CART_MAX_ITEM" default:"0"`
	ItemMaxQuantity string `help:"Maximum quantity of a single variant, 0 for no limit." env:"ITEM_MAX_QUANTITY" default:"0"`
	CartCookie      string `help:"Keep carts in a cookie instead of the session." env:"CART_COOKIE" default:"false"`
	CartID          string `name:"cart-id" help:"Fixed cart storage key. Derived from the request host when empty." env:"CART_ID"`
}

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Level = logrus.DebugLevel
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Description(`Session and cookie backed shopping cart service.`),
		kong.UsageOnError(),
	)
	level, err := logrus.ParseLevel(cli.LogLevel)
	kctx.FatalIfErrorf(err)
	log.SetLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tp, err := initTracerProvider(ctx, cli.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to initialize tracer provider: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}()

	opts := cart.OptionsFromMap(map[string]string{
		cart.OptCartMaxItem:     cli.CartMaxItem,
		cart.OptItemMaxQuantity: cli.ItemMaxQuantity,
		cart.OptCartCookie:      cli.CartCookie,
		cart.OptCartID:          cli.CartID,
	})
	log.WithFields(logrus.Fields{
		"cart_max_item":     opts.CartMaxItem,
		"item_max_quantity": opts.ItemMaxQuantity,
		"cart_cookie":       opts.CartCookie,
	}).Info("cart options")

	sessions, closeSessions, err := newSessionBackend(ctx)
	if err != nil {
		log.Fatalf("failed to initialize session backend: %v", err)
	}
	defer closeSessions()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cli.Port),
		Handler:           services.NewHandler(services.NewCartHandler(opts, sessions, log), cli.SessionTTL),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcAddr := fmt.Sprintf(":%s", cli.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", grpcAddr, err)
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthpb.RegisterHealthServer(grpcServer, services.NewHealthCheckService(sessions, log))

	errc := make(chan error, 2)
	go func() {
		log.Infof("gRPC health server listening on %s", grpcAddr)
		errc <- grpcServer.Serve(lis)
	}()
	go func() {
		log.Infof("cart API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, initiating graceful shutdown...")
	case err := <-errc:
		log.WithError(err).Error("server stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	grpcServer.GracefulStop()
	log.Info("bye")
}

func newSessionBackend(ctx context.Context) (cartstore.SessionBackend, func(), error) {
	if cli.RedisAddr == "" {
		log.Info("Using LocalSessionBackend")
		local := cartstore.NewLocalSessionBackend(cli.SessionTTL, log)
		if err := local.Initialize(ctx); err != nil {
			return nil, nil, err
		}
		return local, local.Close, nil
	}

	log.Infof("Using RedisSessionBackend with address %s", cli.RedisAddr)
	r := cartstore.NewRedisSessionBackend(cli.RedisAddr, cli.SessionTTL, log)
	if err := r.Initialize(ctx); err != nil {
		_ = r.Close()
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			log.WithError(err).Warn("closing redis")
		}
	}, nil
}

// initTracerProvider は endpoint の Collector へ OTLP でトレースを送る TracerProvider を生成します
func initTracerProvider(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// サービス名とバージョンをリソースに付与
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("v1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(exporter)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)
	otel.SetTracerProvider(tp)

	// 伝播は W3C Trace Context のみ
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}
