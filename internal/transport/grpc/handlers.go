package grpc

import (
	"context"
	"errors"
	"log"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ccos-lite/internal/domain"
	"github.com/example/ccos-lite/internal/endpoint"
)

// ServiceName is the fully qualified name of the host boundary service.
const ServiceName = "ccos.orchestrator.v1.HostBoundary"

// HostBoundaryServer is implemented by Server. It exists so the service
// descriptor can name a handler type.
type HostBoundaryServer interface {
	Endpoints() endpoint.Endpoints
}

// WatchRequest subscribes to a plan's ledger entries. With Replay set, the
// entries already in the ledger are sent first.
type WatchRequest struct {
	PlanID string              `json:"plan_id"`
	Types  []domain.ActionType `json:"types,omitempty"`
	Replay bool                `json:"replay,omitempty"`
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HostBoundaryServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Start", func(e endpoint.Endpoints) endpoint.Endpoint { return e.Start }, func() any { return &endpoint.StartRequest{} }),
		unaryMethod("Resume", func(e endpoint.Endpoints) endpoint.Endpoint { return e.Resume }, func() any { return &endpoint.ResumeRequest{} }),
		unaryMethod("Abort", func(e endpoint.Endpoints) endpoint.Endpoint { return e.Abort }, func() any { return &endpoint.AbortRequest{} }),
		unaryMethod("Status", func(e endpoint.Endpoints) endpoint.Endpoint { return e.Status }, func() any { return &endpoint.StatusRequest{} }),
		unaryMethod("VerifyLedger", func(e endpoint.Endpoints) endpoint.Endpoint { return e.VerifyLedger }, func() any { return &endpoint.VerifyRequest{} }),
		unaryMethod("RecordDecision", func(e endpoint.Endpoints) endpoint.Endpoint { return e.RecordDecision }, func() any { return &endpoint.DecisionRequest{} }),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchPlan",
			Handler:       watchPlanHandler,
			ServerStreams: true,
		},
	},
	Metadata: "ccos/orchestrator/v1/host_boundary.proto",
}

// unaryMethod adapts an endpoint to a Struct-in, Struct-out RPC.
func unaryMethod(name string, pick func(endpoint.Endpoints) endpoint.Endpoint, newReq func() any) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, req any) (any, error) {
				ep := pick(srv.(HostBoundaryServer).Endpoints())
				return call(ctx, ep, req.(*structpb.Struct), newReq())
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + ServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, handle)
		},
	}
}

func call(ctx context.Context, ep endpoint.Endpoint, in *structpb.Struct, req any) (*structpb.Struct, error) {
	if err := fromStruct(in, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	resp, err := ep(ctx, req)
	if err != nil {
		return nil, endpoint.MapErrorToStatus(err)
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func watchPlanHandler(srv any, stream grpc.ServerStream) error {
	s, ok := srv.(*Server)
	if !ok || s.broadcaster == nil {
		return status.Error(codes.Unimplemented, "plan watching is not enabled")
	}

	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if req.PlanID == "" {
		return status.Error(codes.InvalidArgument, "plan_id is required")
	}
	return s.watchPlan(stream, &req)
}

// watchPlan streams a plan's actions until the plan reaches a final
// status or the client goes away.
func (s *Server) watchPlan(stream grpc.ServerStream, req *WatchRequest) error {
	ctx := stream.Context()

	// Subscribe before replaying so nothing committed in between is lost.
	sub := s.broadcaster.Subscribe(req.PlanID, req.Types)
	defer s.broadcaster.Unsubscribe(sub)
	log.Printf("watch [plan:%s]: subscribed (%d watchers)", req.PlanID, s.broadcaster.subscriberCount(req.PlanID))

	var lastSeq int64
	send := func(a *domain.Action) (bool, error) {
		if a.PlanSeq <= lastSeq {
			return false, nil
		}
		lastSeq = a.PlanSeq
		if sub.shouldReceive(a) {
			msg, err := toStruct(a)
			if err != nil {
				return false, status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return false, err
			}
		}
		return isTerminal(a), nil
	}

	// catchUp sends what the ledger holds past lastSeq.
	catchUp := func() (bool, error) {
		history, err := s.chain.QueryByPlan(ctx, req.PlanID)
		if err != nil {
			return false, endpoint.MapErrorToStatus(err)
		}
		for _, a := range history {
			done, err := send(a)
			if err != nil || done {
				return done, err
			}
		}
		return false, nil
	}

	if req.Replay {
		if done, err := catchUp(); err != nil || done {
			return err
		}
	} else {
		// Catching up after a lag must not replay what predates the watch.
		history, err := s.chain.QueryByPlan(ctx, req.PlanID)
		if err != nil {
			return endpoint.MapErrorToStatus(err)
		}
		if n := len(history); n > 0 {
			lastSeq = history[n-1].PlanSeq
		}
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case a := <-sub.Events:
			done, err := send(a)
			if err != nil {
				log.Printf("watch [plan:%s]: send failed: %v", req.PlanID, err)
				return err
			}
			if done {
				return nil
			}
		case <-sub.Lagged:
			log.Printf("watch [plan:%s]: buffer overflowed after plan_seq %d, reading ledger", req.PlanID, lastSeq)
			done, err := catchUp()
			if err != nil || done {
				return err
			}
		}
	}
}
