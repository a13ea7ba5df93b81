package grpc

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/endpoint"
)

// Client calls the HostBoundary service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to a HostBoundary server without transport security.
// Close the returned connection when done.
func Dial(target string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return NewClient(conn), conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

// Start starts a plan.
func (c *Client) Start(ctx context.Context, req *endpoint.StartRequest) (*endpoint.ExecutionResponse, error) {
	resp := new(endpoint.ExecutionResponse)
	if err := c.invoke(ctx, "Start", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Resume answers the request pending at a checkpoint.
func (c *Client) Resume(ctx context.Context, req *endpoint.ResumeRequest) (*endpoint.ExecutionResponse, error) {
	resp := new(endpoint.ExecutionResponse)
	if err := c.invoke(ctx, "Resume", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Abort aborts a plan and returns its resulting status.
func (c *Client) Abort(ctx context.Context, req *endpoint.AbortRequest) (*endpoint.StatusResponse, error) {
	resp := new(endpoint.StatusResponse)
	if err := c.invoke(ctx, "Abort", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Status returns a plan's lifecycle status.
func (c *Client) Status(ctx context.Context, planID string) (*endpoint.StatusResponse, error) {
	resp := new(endpoint.StatusResponse)
	if err := c.invoke(ctx, "Status", &endpoint.StatusRequest{PlanID: planID}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// VerifyLedger verifies the chain or one plan's chain.
func (c *Client) VerifyLedger(ctx context.Context, req *endpoint.VerifyRequest) (*endpoint.VerifyResponse, error) {
	resp := new(endpoint.VerifyResponse)
	if err := c.invoke(ctx, "VerifyLedger", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RecordDecision records a governance decision.
func (c *Client) RecordDecision(ctx context.Context, req *endpoint.DecisionRequest) (*endpoint.DecisionResponse, error) {
	resp := new(endpoint.DecisionResponse)
	if err := c.invoke(ctx, "RecordDecision", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PlanWatch receives the actions of a watched plan.
type PlanWatch struct {
	stream grpc.ClientStream
}

// Watch opens a WatchPlan stream.
func (c *Client) Watch(ctx context.Context, req *WatchRequest) (*PlanWatch, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/WatchPlan")
	if err != nil {
		return nil, err
	}
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &PlanWatch{stream: stream}, nil
}

// Recv returns the next action. It returns io.EOF once the plan finished.
func (w *PlanWatch) Recv() (*domain.Action, error) {
	out := new(structpb.Struct)
	if err := w.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	a := new(domain.Action)
	if err := fromStruct(out, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Collect receives until the stream ends.
func (w *PlanWatch) Collect() ([]*domain.Action, error) {
	var out []*domain.Action
	for {
		a, err := w.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
}
