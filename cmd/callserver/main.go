package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"callcore/pkg/audit"
	"callcore/pkg/call"
	"callcore/pkg/config"
	"callcore/pkg/cqueue"
	"callcore/pkg/metrics"
	"callcore/pkg/service"
	"callcore/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "config directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	metricsManager := metrics.NewMetricsManager()
	callMetrics, err := metrics.NewCallMetrics(metricsManager)
	if err != nil {
		log.Fatalf("failed to register call metrics: %v", err)
	}
	if err := metricsManager.StartServer(":9102"); err != nil {
		log.Fatalf("failed to start metrics server: %v", err)
	}
	defer metricsManager.StopServer()

	collector := metrics.NewMetricsCollector(metricsManager)
	collector.AddCollector(metrics.RuntimeStatsCollector())

	var observer call.CompletionObserver = callMetrics
	if cfg.Audit.Enabled {
		auditCfg := audit.DefaultConfig()
		auditCfg.ConnectionURL = cfg.Audit.ConnectionURL()
		auditCfg.MaxConns = cfg.Audit.MaxConns
		auditCfg.MinConns = cfg.Audit.MinConns
		if cfg.Audit.QueueSize > 0 {
			auditCfg.QueueSize = cfg.Audit.QueueSize
		}
		if cfg.Audit.BatchSize > 0 {
			auditCfg.BatchSize = cfg.Audit.BatchSize
		}
		if cfg.Audit.BatchIntervalMs > 0 {
			auditCfg.BatchInterval = time.Duration(cfg.Audit.BatchIntervalMs) * time.Millisecond
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		recorder, err := audit.NewRecorder(ctx, auditCfg)
		cancel()
		if err != nil {
			log.Fatalf("failed to start audit recorder: %v", err)
		}
		defer recorder.Close()
		observer = fanoutObserver{callMetrics, recorder}
		collector.AddCollector(metrics.AuditBacklogCollector(recorder.Dropped))
	}

	collector.Start(15 * time.Second)
	defer collector.Stop()

	svc := service.NewServer()
	registerDemoHandlers(svc)

	queueDepth := cfg.Server.CompletionQueueDepth
	serverOpts := transport.ServerOptions{
		CompletionQueue: func() call.CompletionQueue { return cqueue.New(queueDepth, true) },
		Observer:        observer,
	}

	handler := func(ctx context.Context, c *call.Call) {
		callMetrics.RecordStart(false)
		svc.TransportHandler()(ctx, c)
	}

	if cfg.Server.GRPCAddress != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddress)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", cfg.Server.GRPCAddress, err)
		}
		grpcServer := transport.NewServer(handler, serverOpts)
		go func() {
			log.Printf("callserver: grpc listening on %s", cfg.Server.GRPCAddress)
			if err := grpcServer.Serve(lis); err != nil {
				log.Printf("callserver: grpc server stopped: %v", err)
			}
		}()
		defer grpcServer.Stop()
	}

	var wsServer *transport.WSServer
	if cfg.Server.WSAddress != "" {
		wsServer = transport.NewWSServer(transport.WSConfig{Address: cfg.Server.WSAddress}, handler, serverOpts)
		go func() {
			log.Printf("callserver: websocket listening on %s", cfg.Server.WSAddress)
			if err := wsServer.ListenAndServe(); err != nil {
				log.Printf("callserver: websocket server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("callserver: shutting down")
	if wsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		wsServer.Stop(ctx)
		cancel()
	}
	log.Println("callserver: shutdown complete")
}

// registerDemoHandlers wires one trivial echo-style method so a fresh
// deployment has something to dial before any application-specific
// service is registered, the same role the teacher's PlayerService plays
// in example_service.go.
func registerDemoHandlers(svc *service.Server) {
	svc.Register("/callcore.Echo/Upper", func(ctx context.Context, req *anypb.Any) (*anypb.Any, error) {
		var in wrapperspb.StringValue
		if err := req.UnmarshalTo(&in); err != nil {
			return nil, err
		}
		return anypb.New(wrapperspb.String(upper(in.Value)))
	})
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// fanoutObserver notifies every wrapped observer once per completion, the
// wiring point for attaching both metrics and audit without either
// knowing about the other.
type fanoutObserver []call.CompletionObserver

func (f fanoutObserver) OnCallCompleted(info call.FinalCallInfo) {
	for _, o := range f {
		o.OnCallCompleted(info)
	}
}
