// internal/rpc/forwarder.go
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"proxy-dispatcher/internal/domain"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Forwarder streams job payloads to workers over gRPC. Connections are pooled per
// worker address and shared by all concurrent jobs.
type Forwarder struct {
	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	closed   bool
	logger   *slog.Logger
}

// DefaultMaxResultBytes is the receive limit used when NewForwarder is given a
// non-positive one. gRPC's own 4 MiB default is far below what jobs print.
const DefaultMaxResultBytes = 256 << 20

// NewForwarder creates a forwarder that accepts job results of up to
// maxResultBytes once encoded. Extra dial options are appended to the defaults.
func NewForwarder(logger *slog.Logger, maxResultBytes int, opts ...grpc.DialOption) *Forwarder {
	if maxResultBytes <= 0 {
		maxResultBytes = DefaultMaxResultBytes
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxResultBytes)),
	}, opts...)
	return &Forwarder{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: dialOpts,
		logger:   logger.With("component", "grpc-forwarder"),
	}
}

// Forward streams payload to the worker at endpoint and waits for the result.
// There is no deadline; cancelling ctx aborts the stream.
func (f *Forwarder) Forward(ctx context.Context, endpoint domain.WorkerEndpoint, payload *domain.JobPayload) (*domain.JobResult, error) {
	addr := endpoint.Address()
	conn, err := f.getOrCreateConn(addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx,
		MetadataFilename, payload.Filename,
		MetadataJobID, payload.ID,
	)

	stream, err := conn.NewStream(ctx, &jobRunnerServiceDesc.Streams[0], ExecuteMethod)
	if err != nil {
		return nil, f.translate(ctx, conn, addr, err)
	}

	if err := sendPayload(stream, payload.Body); err != nil {
		if errors.Is(err, domain.ErrPayloadStagingFailed) {
			return nil, err
		}
		return nil, f.translate(ctx, conn, addr, err)
	}

	reply := new(structpb.Struct)
	if err := stream.RecvMsg(reply); err != nil {
		return nil, f.translate(ctx, conn, addr, err)
	}
	result, err := StructToResult(reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrWorkerFailed, addr, err)
	}
	return result, nil
}

// sendPayload copies body onto the stream in ChunkSize messages and half-closes it.
// An io.EOF from SendMsg means the worker ended the call early; the real status
// then comes from RecvMsg.
func sendPayload(stream grpc.ClientStream, body io.Reader) error {
	for {
		buf := make([]byte, ChunkSize)
		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if err := stream.SendMsg(&wrapperspb.BytesValue{Value: buf[:n]}); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: reading upload: %w", domain.ErrPayloadStagingFailed, rerr)
		}
	}
	return stream.CloseSend()
}

// translate maps a gRPC failure onto the dispatch error taxonomy.
func (f *Forwarder) translate(ctx context.Context, conn *grpc.ClientConn, addr string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("forward to %s aborted: %w", addr, ctxErr)
	}
	st := status.Convert(err)
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		f.evictIfBroken(conn, addr)
		return fmt.Errorf("%w: %s: %s", domain.ErrWorkerUnreachable, addr, st.Message())
	default:
		return fmt.Errorf("%w: %s: %s: %s", domain.ErrWorkerFailed, addr, st.Code(), st.Message())
	}
}

func (f *Forwarder) getOrCreateConn(addr string) (*grpc.ClientConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fmt.Errorf("%w: forwarder is closed", domain.ErrWorkerUnreachable)
	}
	if conn, ok := f.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, f.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client for %s: %w", domain.ErrWorkerUnreachable, addr, err)
	}
	f.conns[addr] = conn
	f.logger.Info("created new gRPC client for worker", "addr", addr)
	return conn, nil
}

// evictIfBroken drops a pooled connection that can no longer connect, so a
// vanished worker's address does not stay in the pool.
func (f *Forwarder) evictIfBroken(conn *grpc.ClientConn, addr string) {
	if conn.GetState() != connectivity.TransientFailure {
		return
	}
	f.mu.Lock()
	if f.conns[addr] == conn {
		delete(f.conns, addr)
	}
	f.mu.Unlock()
	_ = conn.Close()
	f.logger.Info("evicted unreachable worker connection", "addr", addr)
}

// Close tears down every pooled connection.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	var errs []error
	for addr, conn := range f.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
		delete(f.conns, addr)
	}
	return errors.Join(errs...)
}
