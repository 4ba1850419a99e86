package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/reqplan/internal/apperror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire names of the capability service. Requests and responses are
// google.protobuf.Struct messages: {task, context, role} in, {output} out.
const (
	ServiceName   = "reqplan.analysis.v1.Capability"
	executeMethod = "/" + ServiceName + "/Execute"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC capability client.
type GRPCConfig struct {
	Address          string
	Role             string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// GRPCCapability calls a remote capability service.
type GRPCCapability struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	role   string
	logger *slog.Logger
}

var _ Capability = (*GRPCCapability)(nil)

// NewGRPCCapability connects to the capability service at cfg.Address and
// waits until the connection is ready.
func NewGRPCCapability(cfg GRPCConfig, logger *slog.Logger) (*GRPCCapability, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = 2 * time.Minute
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = 10 * time.Second
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: false,
		}),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to capability service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("capability service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to capability service", "address", cfg.Address)
	return &GRPCCapability{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		role:   cfg.Role,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GRPCCapability) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the standard gRPC health service for the capability.
func (c *GRPCCapability) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("capability service status %s", resp.GetStatus())
	}
	return nil
}

// Execute invokes the remote Execute method once.
func (c *GRPCCapability) Execute(ctx context.Context, task, taskContext string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"task":    task,
		"context": taskContext,
		"role":    c.role,
	})
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, executeMethod, req, resp); err != nil {
		return "", grpcError(err)
	}

	out := resp.GetFields()["output"].GetStringValue()
	if out == "" {
		return "", apperror.New(apperror.KindProcessing, ErrEmptyResponse.Error(), ErrEmptyResponse)
	}
	return out, nil
}

func grpcError(err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.ResourceExhausted:
		return apperror.New(apperror.KindRateLimit, "capability rate limit exceeded", err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return apperror.New(apperror.KindAuthentication, "capability authentication failed", err)
	case codes.DeadlineExceeded, codes.Canceled:
		return apperror.New(apperror.KindTimeout, "capability request timeout", err)
	case codes.Unavailable:
		return apperror.New(apperror.KindNetwork, "capability service unavailable", err)
	case codes.InvalidArgument:
		return apperror.New(apperror.KindValidation, st.Message(), err)
	default:
		return apperror.New(apperror.KindProcessing, st.Message(), err)
	}
}

type capabilityServer interface {
	Capability
}

var capabilityServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*capabilityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reqplan/analysis/v1/capability",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		fields := req.(*structpb.Struct).GetFields()
		task := fields["task"].GetStringValue()
		if task == "" {
			return nil, status.Error(codes.InvalidArgument, "task is required")
		}
		out, err := srv.(Capability).Execute(ctx, task, fields["context"].GetStringValue())
		if err != nil {
			return nil, serverStatus(err)
		}
		return structpb.NewStruct(map[string]any{"output": out})
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	return interceptor(ctx, in, info, handle)
}

func serverStatus(err error) error {
	ae := apperror.Classify(err)
	code := codes.Internal
	switch ae.Kind {
	case apperror.KindRateLimit:
		code = codes.ResourceExhausted
	case apperror.KindAuthentication:
		code = codes.Unauthenticated
	case apperror.KindTimeout:
		code = codes.DeadlineExceeded
	case apperror.KindNetwork:
		code = codes.Unavailable
	case apperror.KindValidation:
		code = codes.InvalidArgument
	}
	return status.Error(code, ae.Message)
}

// RegisterCapabilityServer serves c on s under ServiceName.
func RegisterCapabilityServer(s *grpc.Server, c Capability) {
	s.RegisterService(&capabilityServiceDesc, c)
}
