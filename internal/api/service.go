// Package api exposes the mirror over gRPC. Requests and responses are
// structpb.Struct values, so the service is declared without generated code.
package api

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/convsync/internal/actions"
	"github.com/matheus3301/convsync/internal/directory"
	"github.com/matheus3301/convsync/internal/event"
	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	intsync "github.com/matheus3301/convsync/internal/sync"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "convsync.v1.Mirror"

// Account is the paired transport account, when the transport is enabled.
type Account interface {
	IsLoggedIn() bool
	SelfRemoteID() string
	Logout(ctx context.Context) error
}

// Backend groups the components the service exposes.
type Backend struct {
	Store     *store.Store
	Actions   *actions.Service
	Directory *directory.Directory
	Engine    *intsync.Engine
	Machine   *status.Machine
	Account   Account
}

// MirrorServer is implemented by Service; it exists for grpc.ServiceDesc.
type MirrorServer interface {
	mirror()
}

// Service implements convsync.v1.Mirror.
type Service struct {
	sessionName string
	startedAt   time.Time
	be          Backend
	logger      *zap.Logger
}

// NewService creates the gRPC service for a session.
func NewService(sessionName string, be Backend, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		be:          be,
		logger:      logger,
	}
}

func (s *Service) mirror() {}

// Register adds the service to srv.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&serviceDesc, s)
}

type handler func(s *Service, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MirrorServer)(nil),
	Methods: []grpc.MethodDesc{
		method("Status", (*Service).status),
		method("ListConversations", (*Service).listConversations),
		method("ShowConversation", (*Service).showConversation),
		method("AppendText", (*Service).appendText),
		method("AppendKnock", (*Service).appendKnock),
		method("SetVisibleWindow", (*Service).setVisibleWindow),
		method("Archive", (*Service).archive),
		method("Mute", (*Service).mute),
		method("ClearHistory", (*Service).clearHistory),
		method("AddParticipant", (*Service).addParticipant),
		method("RemoveParticipant", (*Service).removeParticipant),
		method("Rename", (*Service).rename),
		method("CreateGroup", (*Service).createGroup),
		method("ApplyEvents", (*Service).applyEvents),
		method("PendingChanges", (*Service).pendingChanges),
		method("Refetch", (*Service).refetch),
		method("Logout", (*Service).logout),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "convsync/v1/mirror.proto",
}

func method(name string, h handler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			call := func(ctx context.Context, req any) (any, error) {
				out, err := h(s, ctx, req.(*structpb.Struct))
				if err != nil {
					return nil, s.toStatus(name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// toStatus maps domain errors to gRPC codes.
func (s *Service) toStatus(name string, err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, directory.ErrUnknownList),
		errors.Is(err, event.ErrMalformed),
		errors.Is(err, model.ErrTypeImmutable),
		errors.Is(err, model.ErrRemoteIDReassigned):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrForeignObject),
		errors.Is(err, model.ErrNotSyncContext):
		code = codes.FailedPrecondition
	case errors.Is(err, store.ErrSaveFailed):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = codes.Canceled
	}
	if code == codes.Internal {
		s.logger.Error("request failed", zap.String("method", name), zap.Error(err))
	}
	return grpcstatus.Error(code, err.Error())
}
