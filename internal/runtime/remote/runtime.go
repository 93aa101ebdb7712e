// Package remote runs agent sessions in a sidecar process over a gRPC
// bidirectional stream. The sidecar asks permission for every tool call and
// this side answers from the request's hook table.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ryanwaits/site/internal/agent"
	"github.com/ryanwaits/site/internal/runtime/wire"
)

// ServiceName is the sidecar's gRPC service.
const ServiceName = "site.agent.v1.AgentRuntime"

const runMethod = "/" + ServiceName + "/Run"

var runStreamDesc = &grpc.StreamDesc{
	StreamName:    "Run",
	ServerStreams: true,
	ClientStreams: true,
}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("agent sidecar is not serving")
	errNoResult                 = errors.New("agent sidecar closed the stream without a result")
)

// Config holds configuration for the sidecar connection.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

func (c Config) withDefaults() Config {
	if c.Address == "" {
		c.Address = "localhost:50051"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
	return c
}

// Runtime implements agent.Runtime against the sidecar.
type Runtime struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

var (
	_ agent.Runtime       = (*Runtime)(nil)
	_ agent.HealthChecker = (*Runtime)(nil)
)

// Dial connects to the sidecar and waits until the connection is ready.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent sidecar at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent sidecar", "address", cfg.Address)

	return &Runtime{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
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
func (r *Runtime) Close() {
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the sidecar through the standard gRPC health service.
func (r *Runtime) Health(ctx context.Context) error {
	resp, err := r.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Run opens a Run stream, sends the request and relays the sidecar's frames.
func (r *Runtime) Run(ctx context.Context, prompt string, cfg agent.RequestConfig) iter.Seq2[agent.Message, error] {
	return func(yield func(agent.Message, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		req, err := wire.NewRequest(prompt, cfg, "")
		if err != nil {
			yield(agent.Message{}, err)
			return
		}

		stream, err := r.conn.NewStream(ctx, runStreamDesc, runMethod)
		if err != nil {
			yield(agent.Message{}, fmt.Errorf("run request failed: %w", err))
			return
		}
		if err := send(stream, req); err != nil {
			yield(agent.Message{}, fmt.Errorf("send run request: %w", err))
			return
		}
		// The send side stays open for permission decisions; returning
		// cancels the stream.
		sawResult := false
		for {
			frame, err := recv(stream)
			if errors.Is(err, io.EOF) {
				if !sawResult {
					yield(agent.Message{}, errNoResult)
				}
				return
			}
			if err != nil {
				yield(agent.Message{}, fmt.Errorf("run stream error: %w", err))
				return
			}

			if frame.Type == wire.FramePermission {
				decision := cfg.Permit(ctx, frame.ToolCall())
				if err := send(stream, wire.NewDecision(frame.ID, decision)); err != nil {
					yield(agent.Message{}, fmt.Errorf("send permission decision: %w", err))
					return
				}
				continue
			}

			msg, ok := frame.Message()
			if !ok {
				r.logger.Debug("Ignoring sidecar frame", "type", frame.Type)
				continue
			}
			if msg.Kind == agent.MessageResult {
				sawResult = true
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// send encodes v as a protobuf Struct and writes it to the stream.
func send(stream grpc.ClientStream, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, msg); err != nil {
		return err
	}
	return stream.SendMsg(msg)
}

func recv(stream grpc.ClientStream) (wire.Frame, error) {
	msg := &structpb.Struct{}
	if err := stream.RecvMsg(msg); err != nil {
		return wire.Frame{}, err
	}
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	var frame wire.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return wire.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
