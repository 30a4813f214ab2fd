package grpcapi

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	workflows "cloud.google.com/go/workflows/apiv1"
	workflowspb "cloud.google.com/go/workflows/apiv1/workflowspb"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	executionspb "cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/lemonberrylabs/yrunner/pkg/service"
	"github.com/lemonberrylabs/yrunner/pkg/store"
)

const parent = "projects/my-project/locations/local"

func startTestServer(t *testing.T) string {
	t.Helper()
	svc := service.New(store.NewMemory(0))
	srv := New(svc, "my-project", "local")

	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go srv.ServeListener(lis)

	t.Cleanup(func() {
		srv.grpc.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return lis.Addr().String()
}

func dial(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func createScript(t *testing.T, client workflowspb.WorkflowsClient, id, source string) *longrunningpb.Operation {
	t.Helper()
	op, err := client.CreateWorkflow(context.Background(), &workflowspb.CreateWorkflowRequest{
		Parent:     parent,
		WorkflowId: id,
		Workflow: &workflowspb.Workflow{
			SourceCode: &workflowspb.Workflow_SourceContents{SourceContents: source},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow(%s): %v", id, err)
	}
	return op
}

// pollExecution polls GetExecution until the execution leaves ACTIVE.
func pollExecution(t *testing.T, client executionspb.ExecutionsClient, name string) *executionspb.Execution {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		got, err := client.GetExecution(ctx, &executionspb.GetExecutionRequest{Name: name})
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.GetState() != executionspb.Execution_ACTIVE {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish", name)
	return nil
}

func TestCreateAndGetWorkflow(t *testing.T) {
	conn := dial(t, startTestServer(t))
	client := workflowspb.NewWorkflowsClient(conn)

	op := createScript(t, client, "hello", "- exit: 0")
	if !op.GetDone() {
		t.Fatal("expected operation to be done")
	}
	var wf workflowspb.Workflow
	if err := op.GetResponse().UnmarshalTo(&wf); err != nil {
		t.Fatalf("operation response: %v", err)
	}
	if wf.GetName() != parent+"/workflows/hello" {
		t.Fatalf("unexpected name: %s", wf.GetName())
	}

	got, err := client.GetWorkflow(context.Background(), &workflowspb.GetWorkflowRequest{Name: parent + "/workflows/hello"})
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if got.GetState() != workflowspb.Workflow_ACTIVE || got.GetSourceContents() != "- exit: 0" {
		t.Fatalf("unexpected workflow: %v", got)
	}
	if got.GetRevisionId() == "" {
		t.Fatal("expected revision id")
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	conn := dial(t, startTestServer(t))
	client := workflowspb.NewWorkflowsClient(conn)
	ctx := context.Background()

	for _, id := range []string{"wf-a", "wf-b"} {
		createScript(t, client, id, "- exit: 1")
	}
	resp, err := client.ListWorkflows(ctx, &workflowspb.ListWorkflowsRequest{Parent: parent})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(resp.GetWorkflows()) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(resp.GetWorkflows()))
	}

	name := parent + "/workflows/wf-a"
	op, err := client.UpdateWorkflow(ctx, &workflowspb.UpdateWorkflowRequest{
		Workflow: &workflowspb.Workflow{
			Name:       name,
			SourceCode: &workflowspb.Workflow_SourceContents{SourceContents: "- exit: 2"},
		},
	})
	if err != nil || !op.GetDone() {
		t.Fatalf("UpdateWorkflow: %v", err)
	}
	wf, err := client.GetWorkflow(ctx, &workflowspb.GetWorkflowRequest{Name: name})
	if err != nil || wf.GetSourceContents() != "- exit: 2" {
		t.Fatalf("source not updated: %v %v", wf, err)
	}

	if _, err := client.DeleteWorkflow(ctx, &workflowspb.DeleteWorkflowRequest{Name: name}); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}
	_, err = client.GetWorkflow(ctx, &workflowspb.GetWorkflowRequest{Name: name})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestCreateWorkflowErrors(t *testing.T) {
	conn := dial(t, startTestServer(t))
	client := workflowspb.NewWorkflowsClient(conn)
	ctx := context.Background()
	createScript(t, client, "dup", "- exit")

	tests := []struct {
		name string
		req  *workflowspb.CreateWorkflowRequest
		want codes.Code
	}{
		{"missing id", &workflowspb.CreateWorkflowRequest{Parent: parent, Workflow: &workflowspb.Workflow{}}, codes.InvalidArgument},
		{"missing source", &workflowspb.CreateWorkflowRequest{Parent: parent, WorkflowId: "x", Workflow: &workflowspb.Workflow{}}, codes.InvalidArgument},
		{"bad source", &workflowspb.CreateWorkflowRequest{Parent: parent, WorkflowId: "x", Workflow: &workflowspb.Workflow{
			SourceCode: &workflowspb.Workflow_SourceContents{SourceContents: "exit: 1"},
		}}, codes.InvalidArgument},
		{"duplicate", &workflowspb.CreateWorkflowRequest{Parent: parent, WorkflowId: "dup", Workflow: &workflowspb.Workflow{
			SourceCode: &workflowspb.Workflow_SourceContents{SourceContents: "- exit"},
		}}, codes.AlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.CreateWorkflow(ctx, tt.req)
			if status.Code(err) != tt.want {
				t.Errorf("got %v, want %s", err, tt.want)
			}
		})
	}
}

func TestExecutionWithArguments(t *testing.T) {
	conn := dial(t, startTestServer(t))
	wfClient := workflowspb.NewWorkflowsClient(conn)
	exClient := executionspb.NewExecutionsClient(conn)

	createScript(t, wfClient, "greet", "- set:\n    var: msg\n    value: \"'hello ' + who\"\n- exit: 3")
	exec, err := exClient.CreateExecution(context.Background(), &executionspb.CreateExecutionRequest{
		Parent:    parent + "/workflows/greet",
		Execution: &executionspb.Execution{Argument: `{"who":"world"}`},
	})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	got := pollExecution(t, exClient, exec.GetName())
	if got.GetState() != executionspb.Execution_SUCCEEDED {
		t.Fatalf("expected SUCCEEDED, got %v (error: %v)", got.GetState(), got.GetError())
	}
	var result struct {
		ExitCode  int               `json:"exit_code"`
		Variables map[string]string `json:"variables"`
	}
	if err := json.Unmarshal([]byte(got.GetResult()), &result); err != nil {
		t.Fatalf("result %q: %v", got.GetResult(), err)
	}
	if result.ExitCode != 3 || result.Variables["msg"] != "hello world" {
		t.Fatalf("unexpected result: %s", got.GetResult())
	}
}

func TestFailedExecution(t *testing.T) {
	conn := dial(t, startTestServer(t))
	wfClient := workflowspb.NewWorkflowsClient(conn)
	exClient := executionspb.NewExecutionsClient(conn)
	ctx := context.Background()

	createScript(t, wfClient, "bad", "- continue")
	exec, err := exClient.CreateExecution(ctx, &executionspb.CreateExecutionRequest{Parent: parent + "/workflows/bad"})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	got := pollExecution(t, exClient, exec.GetName())
	if got.GetState() != executionspb.Execution_FAILED {
		t.Fatalf("expected FAILED, got %v", got.GetState())
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(got.GetError().GetPayload()), &payload); err != nil {
		t.Fatal(err)
	}
	if payload["kind"] != "StructuralControlError" || got.GetError().GetContext() == "" {
		t.Fatalf("unexpected error: %v", got.GetError())
	}

	resp, err := exClient.ListExecutions(ctx, &executionspb.ListExecutionsRequest{Parent: parent + "/workflows/bad"})
	if err != nil || len(resp.GetExecutions()) != 1 {
		t.Fatalf("ListExecutions: %v %v", resp, err)
	}

	_, err = exClient.CancelExecution(ctx, &executionspb.CancelExecutionRequest{Name: exec.GetName()})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("cancel finished execution: %v", err)
	}
	_, err = exClient.GetExecution(ctx, &executionspb.GetExecutionRequest{Name: parent + "/workflows/other/executions/" + exec.GetName()[len(parent+"/workflows/bad/executions/"):]})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("execution under the wrong workflow: %v", err)
	}
}

func TestOperations(t *testing.T) {
	conn := dial(t, startTestServer(t))
	wfClient := workflowspb.NewWorkflowsClient(conn)
	opClient := longrunningpb.NewOperationsClient(conn)
	ctx := context.Background()

	op := createScript(t, wfClient, "ops", "- exit")
	got, err := opClient.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: op.GetName()})
	if err != nil || !got.GetDone() {
		t.Fatalf("GetOperation: %v %v", got, err)
	}
	var meta workflowspb.OperationMetadata
	if err := got.GetMetadata().UnmarshalTo(&meta); err != nil || meta.GetVerb() != "create" {
		t.Fatalf("metadata: %v %v", &meta, err)
	}

	list, err := opClient.ListOperations(ctx, &longrunningpb.ListOperationsRequest{Name: parent})
	if err != nil || len(list.GetOperations()) != 1 {
		t.Fatalf("ListOperations: %v %v", list, err)
	}
	if _, err := opClient.WaitOperation(ctx, &longrunningpb.WaitOperationRequest{Name: op.GetName()}); err != nil {
		t.Fatalf("WaitOperation: %v", err)
	}
	if _, err := opClient.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: op.GetName()}); err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}
	if _, err := opClient.DeleteOperation(ctx, &longrunningpb.DeleteOperationRequest{Name: op.GetName()}); err != nil {
		t.Fatalf("DeleteOperation: %v", err)
	}
	_, err = opClient.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: op.GetName()})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

// TestOfficialClients drives the server with the Cloud client libraries.
func TestOfficialClients(t *testing.T) {
	addr := startTestServer(t)
	ctx := context.Background()
	opts := []option.ClientOption{
		option.WithEndpoint(addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}

	wfClient, err := workflows.NewClient(ctx, opts...)
	if err != nil {
		t.Fatalf("workflows.NewClient: %v", err)
	}
	defer wfClient.Close()
	exClient, err := executions.NewClient(ctx, opts...)
	if err != nil {
		t.Fatalf("executions.NewClient: %v", err)
	}
	defer exClient.Close()

	op, err := wfClient.CreateWorkflow(ctx, &workflowspb.CreateWorkflowRequest{
		Parent:     parent,
		WorkflowId: "official",
		Workflow: &workflowspb.Workflow{
			SourceCode: &workflowspb.Workflow_SourceContents{SourceContents: "- exit:\n    code: n + 1"},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	wf, err := op.Wait(ctx)
	if err != nil {
		t.Fatalf("op.Wait: %v", err)
	}

	exec, err := exClient.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent:    wf.GetName(),
		Execution: &executionspb.Execution{Argument: `{"n":41}`},
	})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := exClient.GetExecution(ctx, &executionspb.GetExecutionRequest{Name: exec.GetName()})
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if got.GetState() != executionspb.Execution_ACTIVE {
			if got.GetResult() != `{"exit_code":42,"variables":{"n":41}}` {
				t.Fatalf("unexpected result: %s", got.GetResult())
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("execution did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
