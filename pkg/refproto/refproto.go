// Package refproto carries the vendor ReferenceStorage RPCs named in
// spec.md §6 (GetReference/UpdateReference) over the same grpc.ClientConn
// used for the CAS and ByteStream services. remote-apis and genproto have
// no generated stub for this service — it is BuildStream's own vendor
// extension — so rather than hand-authoring a fake protoc-gen-go-grpc
// output, this package registers a "json" gRPC content-subtype codec and
// wires a hand-written ServiceDesc/ClientConn.Invoke pair to it, the same
// mechanism protoc-gen-go-grpc itself generates against.
package refproto

import (
	"context"
	"encoding/json"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

// ContentSubtype is the gRPC content-subtype this service's messages are
// carried under ("application/grpc+json").
const ContentSubtype = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string                               { return ContentSubtype }
func (jsonCodec) Marshal(v interface{}) ([]byte, error)       { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// GetReferenceRequest mirrors buildstream_pb2.GetReferenceRequest.
type GetReferenceRequest struct {
	InstanceName string `json:"instance_name,omitempty"`
	Key          string `json:"key"`
}

// GetReferenceResponse mirrors buildstream_pb2.GetReferenceResponse.
type GetReferenceResponse struct {
	Digest *remoteexecution.Digest `json:"digest"`
}

// UpdateReferenceRequest mirrors buildstream_pb2.UpdateReferenceRequest.
// Keys is plural because the wire message supports binding several names
// to the same digest in one call; this engine's RemoteClient always sends
// exactly one.
type UpdateReferenceRequest struct {
	InstanceName string                  `json:"instance_name,omitempty"`
	Keys         []string                `json:"keys"`
	Digest       *remoteexecution.Digest `json:"digest"`
}

// UpdateReferenceResponse mirrors buildstream_pb2.UpdateReferenceResponse
// (empty on success).
type UpdateReferenceResponse struct{}

const serviceName = "buildstream.v2.ReferenceStorage"

// ReferenceStorageClient is a hand-written client stub for the vendor
// ReferenceStorage service.
type ReferenceStorageClient struct {
	cc *grpc.ClientConn
}

// NewReferenceStorageClient wraps an existing connection. The connection is
// expected to also serve CAS/ByteStream RPCs; only the content-subtype
// differs per call.
func NewReferenceStorageClient(cc *grpc.ClientConn) *ReferenceStorageClient {
	return &ReferenceStorageClient{cc: cc}
}

// GetReference resolves a reference name to a digest. Returns a
// codes.NotFound status if the key is unknown, mirroring RefMissing at the
// remote boundary (spec.md §7).
func (c *ReferenceStorageClient) GetReference(ctx context.Context, in *GetReferenceRequest, opts ...grpc.CallOption) (*GetReferenceResponse, error) {
	out := new(GetReferenceResponse)
	opts = append(opts, grpc.CallContentSubtype(ContentSubtype))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetReference", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateReference binds one or more names to a digest.
func (c *ReferenceStorageClient) UpdateReference(ctx context.Context, in *UpdateReferenceRequest, opts ...grpc.CallOption) (*UpdateReferenceResponse, error) {
	out := new(UpdateReferenceResponse)
	opts = append(opts, grpc.CallContentSubtype(ContentSubtype))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/UpdateReference", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ReferenceStorageServer is implemented by servers backing the vendor
// ReferenceStorage RPCs.
type ReferenceStorageServer interface {
	GetReference(ctx context.Context, in *GetReferenceRequest) (*GetReferenceResponse, error)
	UpdateReference(ctx context.Context, in *UpdateReferenceRequest) (*UpdateReferenceResponse, error)
}

func referenceStorageGetReferenceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetReferenceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReferenceStorageServer).GetReference(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetReference"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReferenceStorageServer).GetReference(ctx, req.(*GetReferenceRequest))
	})
}

func referenceStorageUpdateReferenceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UpdateReferenceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReferenceStorageServer).UpdateReference(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/UpdateReference"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReferenceStorageServer).UpdateReference(ctx, req.(*UpdateReferenceRequest))
	})
}

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit from a buildstream_pb2.proto that does not exist publicly.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReferenceStorageServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetReference", Handler: referenceStorageGetReferenceHandler},
		{MethodName: "UpdateReference", Handler: referenceStorageUpdateReferenceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "refproto.proto",
}

// RegisterReferenceStorageServer registers srv against s under ServiceDesc.
func RegisterReferenceStorageServer(s *grpc.Server, srv ReferenceStorageServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ErrNotFound constructs the status GetReference returns for an unknown key.
func ErrNotFound(key string) error {
	return status.Errorf(codes.NotFound, "reference %q not found", key)
}
