// Package rpc declares the JobRunner gRPC service spoken between the dispatcher
// and its workers. The service is declared by hand on top of protobuf
// well-known types: the client streams wrapperspb.BytesValue chunks of the job
// file and the worker answers with one structpb.Struct holding the result.
package rpc

import (
	"context"
	"fmt"
	"strings"

	"proxy-dispatcher/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "dispatch.v1.JobRunner"
	ExecuteMethod = "/" + ServiceName + "/Execute"

	// MetadataFilename carries the caller's filename hint.
	MetadataFilename = "x-job-filename"
	// MetadataJobID carries the dispatcher-assigned job id.
	MetadataJobID = "x-job-id"

	// ChunkSize is the payload slice sent per stream message.
	ChunkSize = 64 << 10

	fieldExitCode = "exit_code"
	fieldStdout   = "stdout"
	fieldStderr   = "stderr"
)

// JobRunnerServer is implemented by workers.
type JobRunnerServer interface {
	Execute(stream ExecuteServerStream) error
}

// ExecuteServerStream is the worker side of one Execute call.
type ExecuteServerStream interface {
	// Recv returns the next payload chunk, or io.EOF once the client is done sending.
	Recv() ([]byte, error)
	SendAndClose(result *domain.JobResult) error
	Context() context.Context
}

var jobRunnerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobRunnerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Execute",
			Handler:       executeHandler,
			ClientStreams: true,
		},
	},
	Metadata: "dispatch/v1/jobrunner",
}

// RegisterJobRunnerServer attaches srv to a gRPC server.
func RegisterJobRunnerServer(s grpc.ServiceRegistrar, srv JobRunnerServer) {
	s.RegisterService(&jobRunnerServiceDesc, srv)
}

func executeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(JobRunnerServer).Execute(&executeServerStream{stream})
}

type executeServerStream struct {
	grpc.ServerStream
}

func (s *executeServerStream) Recv() ([]byte, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m.GetValue(), nil
}

func (s *executeServerStream) SendAndClose(result *domain.JobResult) error {
	return s.ServerStream.SendMsg(ResultToStruct(result))
}

// IncomingJob extracts the filename hint and job id sent by the dispatcher.
func IncomingJob(ctx context.Context) (filename, jobID string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ""
	}
	if v := md.Get(MetadataFilename); len(v) > 0 {
		filename = v[0]
	}
	if v := md.Get(MetadataJobID); len(v) > 0 {
		jobID = v[0]
	}
	return filename, jobID
}

// ResultToStruct encodes a job result. Output that is not valid UTF-8 is
// repaired with U+FFFD since protobuf strings must be UTF-8.
func ResultToStruct(r *domain.JobResult) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldExitCode: structpb.NewNumberValue(float64(r.ExitCode)),
		fieldStdout:   structpb.NewStringValue(strings.ToValidUTF8(r.Stdout, "�")),
		fieldStderr:   structpb.NewStringValue(strings.ToValidUTF8(r.Stderr, "�")),
	}}
}

// StructToResult decodes a job result, rejecting replies missing a field.
func StructToResult(s *structpb.Struct) (*domain.JobResult, error) {
	fields := s.GetFields()
	code, ok := fields[fieldExitCode].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return nil, fmt.Errorf("reply has no numeric %s", fieldExitCode)
	}
	stdout, ok := fields[fieldStdout].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, fmt.Errorf("reply has no %s", fieldStdout)
	}
	stderr, ok := fields[fieldStderr].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return nil, fmt.Errorf("reply has no %s", fieldStderr)
	}
	return &domain.JobResult{
		ExitCode: int(code.NumberValue),
		Stdout:   stdout.StringValue,
		Stderr:   stderr.StringValue,
	}, nil
}
