package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/ashureev/reqplan/internal/analysis"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var serveAddr string

func init() {
	rootCmd.AddCommand(capabilityServeCmd)
	capabilityServeCmd.Flags().StringVar(&serveAddr, "addr", ":50051", "Listen address for the gRPC capability service")
}

var capabilityServeCmd = &cobra.Command{
	Use:   "capability-serve",
	Short: "Serve the analysis capability over gRPC",
	Long: `Expose an OpenAI-compatible chat completions endpoint as the gRPC
capability service the server dials through CAPABILITY_GRPC_ADDR.

Examples:
  OPENAI_API_KEY=sk-... reqplanctl capability-serve --addr :50051`,
	Args: cobra.NoArgs,
	RunE: runCapabilityServe,
}

func runCapabilityServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cfg)

	capability, err := analysis.NewOpenAICapability(analysis.OpenAIConfig{
		APIKey:  cfg.Analysis.OpenAIKey,
		BaseURL: cfg.Analysis.OpenAIBaseURL,
		Model:   cfg.Analysis.OpenAIModel,
		RPS:     cfg.Analysis.RPS,
	})
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", serveAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", serveAddr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serveCapability(ctx, lis, capability, logger)
}

// serveCapability serves c on lis until ctx is canceled.
func serveCapability(ctx context.Context, lis net.Listener, c analysis.Capability, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer()
	analysis.RegisterCapabilityServer(srv, c)
	hs := health.NewServer()
	hs.SetServingStatus(analysis.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Capability service listening", "address", lis.Addr().String())
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down capability service")
		hs.Shutdown()
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}
