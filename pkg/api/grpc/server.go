// Package grpcapi exposes scripts and runs over gRPC using the Cloud
// Workflows, Executions and long-running Operations services, so the
// official Google Cloud client libraries can drive the runner. Scripts are
// workflows and runs are executions.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/edwingeng/deque"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	workflowspb "cloud.google.com/go/workflows/apiv1/workflowspb"
	executionspb "cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/lemonberrylabs/yrunner/pkg/service"
	"github.com/lemonberrylabs/yrunner/pkg/store"
	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// maxOperations bounds the number of remembered operations.
const maxOperations = 1000

const apiVersion = "v1"

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

type operation struct {
	op      *longrunningpb.Operation
	created time.Time
}

// Server implements the Workflows, Executions and Operations gRPC services.
type Server struct {
	workflowspb.UnimplementedWorkflowsServer
	executionspb.UnimplementedExecutionsServer
	longrunningpb.UnimplementedOperationsServer

	svc      *service.Service
	location string // projects/{p}/locations/{l}
	logger   zerolog.Logger
	grpc     *grpc.Server

	mu      sync.Mutex
	ops     map[string]*operation
	opOrder deque.Deque
}

// New creates a gRPC server for svc. Resource names are rooted at
// projects/{project}/locations/{location}.
func New(svc *service.Service, project, location string, opts ...Option) *Server {
	srv := &Server{
		svc:      svc,
		location: fmt.Sprintf("projects/%s/locations/%s", project, location),
		logger:   zerolog.Nop(),
		ops:      make(map[string]*operation),
		opOrder:  deque.NewDeque(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	gs := grpc.NewServer(grpc.UnaryInterceptor(srv.logCalls))
	workflowspb.RegisterWorkflowsServer(gs, srv)
	executionspb.RegisterExecutionsServer(gs, srv)
	longrunningpb.RegisterOperationsServer(gs, srv)
	srv.grpc = gs

	return srv
}

// Serve starts listening on the given address and serves gRPC requests.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.grpc.Serve(lis)
}

// ServeListener serves gRPC requests on lis.
func (s *Server) ServeListener(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop gracefully stops the gRPC server.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug().
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("took", time.Since(start)).
		Msg("rpc")
	return resp, err
}

// grpcError maps a service or store error to a gRPC status.
func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, store.ErrAlreadyExists):
		code = codes.AlreadyExists
	case errors.Is(err, store.ErrNotActive):
		code = codes.FailedPrecondition
	case errors.Is(err, store.ErrInvalidID),
		errors.Is(err, service.ErrInvalidSource),
		errors.Is(err, service.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// --- Names ---

func (s *Server) workflowName(id string) string {
	return s.location + "/workflows/" + id
}

func (s *Server) executionName(scriptID, runID string) string {
	return s.workflowName(scriptID) + "/executions/" + runID
}

// scriptID extracts the script id from a workflow name. A bare id is
// accepted as well.
func scriptID(name string) (string, error) {
	if !strings.Contains(name, "/") {
		if name == "" {
			return "", status.Error(codes.InvalidArgument, "workflow name is required")
		}
		return name, nil
	}
	parts := strings.Split(name, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "locations" || parts[4] != "workflows" || parts[5] == "" {
		return "", status.Errorf(codes.InvalidArgument, "invalid workflow name %q", name)
	}
	return parts[5], nil
}

// runID extracts the script and run ids from an execution name.
func runID(name string) (string, string, error) {
	i := strings.LastIndex(name, "/executions/")
	if i < 0 {
		return "", "", status.Errorf(codes.InvalidArgument, "invalid execution name %q", name)
	}
	sid, err := scriptID(name[:i])
	if err != nil {
		return "", "", err
	}
	rid := name[i+len("/executions/"):]
	if rid == "" || strings.Contains(rid, "/") {
		return "", "", status.Errorf(codes.InvalidArgument, "invalid execution name %q", name)
	}
	return sid, rid, nil
}

// --- Workflows Service ---

func (s *Server) CreateWorkflow(ctx context.Context, req *workflowspb.CreateWorkflowRequest) (*longrunningpb.Operation, error) {
	if req.GetWorkflowId() == "" {
		return nil, status.Error(codes.InvalidArgument, "workflow_id is required")
	}
	wfProto := req.GetWorkflow()
	if wfProto == nil {
		return nil, status.Error(codes.InvalidArgument, "workflow is required")
	}
	src := wfProto.GetSourceContents()
	if src == "" {
		return nil, status.Error(codes.InvalidArgument, "source_contents is required")
	}

	sc, err := s.svc.CreateScript(&store.Script{
		ID:          req.GetWorkflowId(),
		Description: wfProto.GetDescription(),
		Source:      src,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return s.doneOperation("create", sc.ID, s.workflowToProto(sc))
}

func (s *Server) GetWorkflow(ctx context.Context, req *workflowspb.GetWorkflowRequest) (*workflowspb.Workflow, error) {
	id, err := scriptID(req.GetName())
	if err != nil {
		return nil, err
	}
	sc, err := s.svc.Store().GetScript(id)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.workflowToProto(sc), nil
}

func (s *Server) ListWorkflows(ctx context.Context, req *workflowspb.ListWorkflowsRequest) (*workflowspb.ListWorkflowsResponse, error) {
	scripts, err := s.svc.Store().ListScripts()
	if err != nil {
		return nil, grpcError(err)
	}

	pbWorkflows := make([]*workflowspb.Workflow, len(scripts))
	for i, sc := range scripts {
		pbWorkflows[i] = s.workflowToProto(sc)
	}

	return &workflowspb.ListWorkflowsResponse{
		Workflows: pbWorkflows,
	}, nil
}

func (s *Server) UpdateWorkflow(ctx context.Context, req *workflowspb.UpdateWorkflowRequest) (*longrunningpb.Operation, error) {
	wfProto := req.GetWorkflow()
	if wfProto == nil {
		return nil, status.Error(codes.InvalidArgument, "workflow is required")
	}
	id, err := scriptID(wfProto.GetName())
	if err != nil {
		return nil, err
	}

	var u store.ScriptUpdate
	paths := req.GetUpdateMask().GetPaths()
	if len(paths) == 0 {
		// Without a mask, every non-empty field is updated.
		if src := wfProto.GetSourceContents(); src != "" {
			u.Source = &src
		}
		if d := wfProto.GetDescription(); d != "" {
			u.Description = &d
		}
	}
	for _, p := range paths {
		switch p {
		case "source_contents", "sourceContents":
			src := wfProto.GetSourceContents()
			u.Source = &src
		case "description":
			d := wfProto.GetDescription()
			u.Description = &d
		default:
			return nil, status.Errorf(codes.InvalidArgument, "field %q cannot be updated", p)
		}
	}

	sc, err := s.svc.UpdateScript(id, u)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.doneOperation("update", sc.ID, s.workflowToProto(sc))
}

func (s *Server) DeleteWorkflow(ctx context.Context, req *workflowspb.DeleteWorkflowRequest) (*longrunningpb.Operation, error) {
	id, err := scriptID(req.GetName())
	if err != nil {
		return nil, err
	}
	if err := s.svc.DeleteScript(id); err != nil {
		return nil, grpcError(err)
	}
	return s.doneOperation("delete", id, &emptypb.Empty{})
}

// --- Executions Service ---

func (s *Server) CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest) (*executionspb.Execution, error) {
	id, err := scriptID(req.GetParent())
	if err != nil {
		return nil, err
	}

	args := types.Null
	if arg := req.GetExecution().GetArgument(); arg != "" {
		args, err = store.DecodeValue(arg)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid argument JSON: %v", err)
		}
	}

	// The run outlives the call.
	run, err := s.svc.StartRun(context.Background(), id, args)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.executionToProto(run), nil
}

// lookupRun fetches the run named by an execution name and checks that it
// belongs to the named script.
func (s *Server) lookupRun(name string) (*store.Run, error) {
	sid, rid, err := runID(name)
	if err != nil {
		return nil, err
	}
	run, err := s.svc.Store().GetRun(rid)
	if err != nil {
		return nil, grpcError(err)
	}
	if run.Script != sid {
		return nil, status.Errorf(codes.NotFound, "execution %q not found", name)
	}
	return run, nil
}

func (s *Server) GetExecution(ctx context.Context, req *executionspb.GetExecutionRequest) (*executionspb.Execution, error) {
	run, err := s.lookupRun(req.GetName())
	if err != nil {
		return nil, err
	}
	return s.executionToProto(run), nil
}

func (s *Server) ListExecutions(ctx context.Context, req *executionspb.ListExecutionsRequest) (*executionspb.ListExecutionsResponse, error) {
	id, err := scriptID(req.GetParent())
	if err != nil {
		return nil, err
	}
	if _, err := s.svc.Store().GetScript(id); err != nil {
		return nil, grpcError(err)
	}
	runs, err := s.svc.Store().ListRuns(id)
	if err != nil {
		return nil, grpcError(err)
	}

	pbExecs := make([]*executionspb.Execution, len(runs))
	for i, run := range runs {
		pbExecs[i] = s.executionToProto(run)
	}

	return &executionspb.ListExecutionsResponse{
		Executions: pbExecs,
	}, nil
}

func (s *Server) CancelExecution(ctx context.Context, req *executionspb.CancelExecutionRequest) (*executionspb.Execution, error) {
	run, err := s.lookupRun(req.GetName())
	if err != nil {
		return nil, err
	}
	run, err = s.svc.CancelRun(run.ID)
	if err != nil {
		return nil, grpcError(err)
	}
	return s.executionToProto(run), nil
}

// --- Conversions ---

func (s *Server) workflowToProto(sc *store.Script) *workflowspb.Workflow {
	pb := &workflowspb.Workflow{
		Name:               s.workflowName(sc.ID),
		Description:        sc.Description,
		State:              workflowspb.Workflow_ACTIVE,
		RevisionId:         sc.RevisionID,
		CreateTime:         timestamppb.New(sc.CreateTime),
		UpdateTime:         timestamppb.New(sc.UpdateTime),
		RevisionCreateTime: timestamppb.New(sc.UpdateTime),
	}
	if sc.Schedule != "" {
		pb.Labels = map[string]string{"scheduled": "true"}
	}
	if sc.Source != "" {
		pb.SourceCode = &workflowspb.Workflow_SourceContents{
			SourceContents: sc.Source,
		}
	}
	return pb
}

// runResult renders the result of a finished run as
// {"exit_code": N, "variables": {...}}.
func runResult(run *store.Run) string {
	vars, err := store.DecodeValue(run.Result)
	if err != nil {
		vars = types.Null
	}
	m := types.NewOrderedMap()
	m.Set("exit_code", types.NewInt(int64(run.ExitCode)))
	m.Set("variables", vars)
	return store.EncodeValue(types.NewMap(m))
}

func (s *Server) executionToProto(run *store.Run) *executionspb.Execution {
	pb := &executionspb.Execution{
		Name:               s.executionName(run.Script, run.ID),
		StartTime:          timestamppb.New(run.StartTime),
		Argument:           run.Variables,
		WorkflowRevisionId: run.RevisionID,
	}

	switch run.State {
	case store.RunActive:
		pb.State = executionspb.Execution_ACTIVE
	case store.RunSucceeded:
		pb.State = executionspb.Execution_SUCCEEDED
	case store.RunFailed:
		pb.State = executionspb.Execution_FAILED
	case store.RunCancelled:
		pb.State = executionspb.Execution_CANCELLED
	default:
		pb.State = executionspb.Execution_STATE_UNSPECIFIED
	}

	if run.State == store.RunSucceeded {
		pb.Result = runResult(run)
	}
	if run.Error != "" {
		msg := ""
		if rec, err := store.DecodeValue(run.Error); err == nil {
			if m, ok := rec.Field("message"); ok {
				msg = m.String()
			}
		}
		pb.Error = &executionspb.Execution_Error{
			Payload: run.Error,
			Context: msg,
		}
	}
	if !run.EndTime.IsZero() {
		pb.EndTime = timestamppb.New(run.EndTime)
		pb.Duration = durationpb.New(run.EndTime.Sub(run.StartTime))
	}
	return pb
}

// --- Operations Service ---

// doneOperation records an already-completed operation wrapping msg.
func (s *Server) doneOperation(verb, id string, msg proto.Message) (*longrunningpb.Operation, error) {
	resp, err := anypb.New(msg)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal operation result: %v", err)
	}
	now := time.Now()
	meta, err := anypb.New(&workflowspb.OperationMetadata{
		CreateTime: timestamppb.New(now),
		EndTime:    timestamppb.New(now),
		Target:     s.workflowName(id),
		Verb:       verb,
		ApiVersion: apiVersion,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to marshal operation metadata: %v", err)
	}

	op := &longrunningpb.Operation{
		Name:     s.location + "/operations/operation-" + uuid.NewString(),
		Metadata: meta,
		Done:     true,
		Result: &longrunningpb.Operation_Response{
			Response: resp,
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op.Name] = &operation{op: op, created: now}
	s.opOrder.PushBack(op.Name)
	for s.opOrder.Len() > maxOperations {
		delete(s.ops, s.opOrder.PopFront().(string))
	}
	return op, nil
}

func (s *Server) operation(name string) (*longrunningpb.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.ops[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "operation %q not found", name)
	}
	return o.op, nil
}

// GetOperation returns a recorded operation. Every operation completes
// before the call that created it returns.
func (s *Server) GetOperation(ctx context.Context, req *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	return s.operation(req.GetName())
}

// ListOperations lists the recorded operations under a location, oldest
// first.
func (s *Server) ListOperations(ctx context.Context, req *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	prefix := req.GetName()
	s.mu.Lock()
	entries := make([]*operation, 0, len(s.ops))
	for name, o := range s.ops {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			entries = append(entries, o)
		}
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created.Equal(entries[j].created) {
			return entries[i].op.Name < entries[j].op.Name
		}
		return entries[i].created.Before(entries[j].created)
	})
	ops := make([]*longrunningpb.Operation, len(entries))
	for i, o := range entries {
		ops[i] = o.op
	}
	return &longrunningpb.ListOperationsResponse{Operations: ops}, nil
}

// DeleteOperation forgets a recorded operation.
func (s *Server) DeleteOperation(ctx context.Context, req *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[req.GetName()]; !ok {
		return nil, status.Errorf(codes.NotFound, "operation %q not found", req.GetName())
	}
	delete(s.ops, req.GetName())
	return &emptypb.Empty{}, nil
}

// CancelOperation is a no-op: operations are done when created.
func (s *Server) CancelOperation(ctx context.Context, req *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	if _, err := s.operation(req.GetName()); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// WaitOperation returns the operation at once.
func (s *Server) WaitOperation(ctx context.Context, req *longrunningpb.WaitOperationRequest) (*longrunningpb.Operation, error) {
	return s.operation(req.GetName())
}
