// Package castest provides an in-process fake implementing the three RPC
// surfaces RemoteClient depends on (spec.md §6): ContentAddressableStorage,
// ByteStream, and the vendor ReferenceStorage. It exists so pkg/remote can
// be integration-tested against a real gRPC server without gomock-generated
// doubles, which would require running the Go toolchain to regenerate.
//
// Grounded on the teacher's pkg/cas/content_addressable_storage_server.go
// and pkg/cas/byte_stream_server.go, adapted from a BlobAccess-backed
// production implementation to one backed directly by this module's
// BlobStore/RefStore.
package castest

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/fernforge/castore/pkg/blobstore"
	"github.com/fernforge/castore/pkg/digest"
	"github.com/fernforge/castore/pkg/refproto"
	"github.com/fernforge/castore/pkg/refstore"
	"google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Server is the fake's shared state, backing all three RPC surfaces.
type Server struct {
	remoteexecution.UnimplementedContentAddressableStorageServer
	bytestream.UnimplementedByteStreamServer

	Blobs blobstore.BlobStore
	Refs  refstore.RefStore

	// MaximumBatchTotalSizeBytes mirrors the negotiated
	// max_batch_total_size_bytes from spec.md §6.
	MaximumBatchTotalSizeBytes int64

	mu          sync.Mutex
	unavailable map[digest.Digest]struct{}
}

// NewServer constructs a fake backed by the given store pair.
func NewServer(blobs blobstore.BlobStore, refs refstore.RefStore) *Server {
	return &Server{
		Blobs:                      blobs,
		Refs:                       refs,
		MaximumBatchTotalSizeBytes: 4 << 20,
		unavailable:                map[digest.Digest]struct{}{},
	}
}

// MakeUnavailable causes subsequent reads of d to fail with NotFound even
// though the blob is present in the backing store — used to simulate S5
// ("pull falls back when blob missing").
func (s *Server) MakeUnavailable(d digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[d] = struct{}{}
}

func (s *Server) isUnavailable(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.unavailable[d]
	return ok
}

// referenceStorageServer adapts a RefStore to refproto.ReferenceStorageServer.
type referenceStorageServer struct {
	refs refstore.RefStore
}

func (r *referenceStorageServer) GetReference(ctx context.Context, in *refproto.GetReferenceRequest) (*refproto.GetReferenceResponse, error) {
	d, err := r.refs.Get(in.Key)
	if err != nil {
		return nil, refproto.ErrNotFound(in.Key)
	}
	return &refproto.GetReferenceResponse{Digest: d.ToProto()}, nil
}

func (r *referenceStorageServer) UpdateReference(ctx context.Context, in *refproto.UpdateReferenceRequest) (*refproto.UpdateReferenceResponse, error) {
	d, err := digest.NewDigestFromProto(in.Digest)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	for _, key := range in.Keys {
		if err := r.refs.Set(key, d); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	return &refproto.UpdateReferenceResponse{}, nil
}

// Register wires all three services onto an already-constructed grpc.Server.
func (s *Server) Register(grpcServer *grpc.Server) {
	remoteexecution.RegisterContentAddressableStorageServer(grpcServer, s)
	bytestream.RegisterByteStreamServer(grpcServer, s)
	refproto.RegisterReferenceStorageServer(grpcServer, &referenceStorageServer{refs: s.Refs})
}

// Listen starts s on a loopback TCP port and returns a ready client
// connection plus a stop function the caller should defer.
func Listen(s *Server) (*grpc.ClientConn, func(), error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	grpcServer := grpc.NewServer()
	s.Register(grpcServer)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		grpcServer.Stop()
		return nil, nil, err
	}
	stop := func() {
		conn.Close()
		grpcServer.Stop()
	}
	return conn, stop, nil
}

func (s *Server) FindMissingBlobs(ctx context.Context, in *remoteexecution.FindMissingBlobsRequest) (*remoteexecution.FindMissingBlobsResponse, error) {
	var missing []*remoteexecution.Digest
	for _, pb := range in.BlobDigests {
		d, err := digest.NewDigestFromProto(pb)
		if err != nil {
			return nil, err
		}
		ok, err := s.Blobs.Contains(d)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		if !ok || s.isUnavailable(d) {
			missing = append(missing, pb)
		}
	}
	return &remoteexecution.FindMissingBlobsResponse{MissingBlobDigests: missing}, nil
}

func (s *Server) BatchReadBlobs(ctx context.Context, in *remoteexecution.BatchReadBlobsRequest) (*remoteexecution.BatchReadBlobsResponse, error) {
	var totalSize int64
	for _, pb := range in.Digests {
		totalSize += pb.SizeBytes
	}
	if totalSize > s.MaximumBatchTotalSizeBytes {
		return nil, status.Errorf(codes.InvalidArgument,
			"requested %d bytes, exceeding the %d byte batch limit", totalSize, s.MaximumBatchTotalSizeBytes)
	}

	resp := &remoteexecution.BatchReadBlobsResponse{}
	for _, pb := range in.Digests {
		data, err := s.readOne(pb)
		resp.Responses = append(resp.Responses, &remoteexecution.BatchReadBlobsResponse_Response{
			Digest: pb,
			Data:   data,
			Status: status.Convert(err).Proto(),
		})
	}
	return resp, nil
}

func (s *Server) readOne(pb *remoteexecution.Digest) ([]byte, error) {
	d, err := digest.NewDigestFromProto(pb)
	if err != nil {
		return nil, err
	}
	if s.isUnavailable(d) {
		return nil, status.Errorf(codes.NotFound, "blob %s not found", d)
	}
	r, err := s.Blobs.Get(d)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "blob %s not found", d)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Server) BatchUpdateBlobs(ctx context.Context, in *remoteexecution.BatchUpdateBlobsRequest) (*remoteexecution.BatchUpdateBlobsResponse, error) {
	resp := &remoteexecution.BatchUpdateBlobsResponse{}
	for _, req := range in.Requests {
		_, err := s.Blobs.InsertBytes(ctx, req.Data)
		resp.Responses = append(resp.Responses, &remoteexecution.BatchUpdateBlobsResponse_Response{
			Digest: req.Digest,
			Status: status.Convert(err).Proto(),
		})
	}
	return resp, nil
}

func (s *Server) GetTree(in *remoteexecution.GetTreeRequest, stream remoteexecution.ContentAddressableStorage_GetTreeServer) error {
	return status.Error(codes.Unimplemented, "castest: GetTree is not exercised by this engine (PullTree uses ByteStream)")
}

func (s *Server) Read(in *bytestream.ReadRequest, out bytestream.ByteStream_ReadServer) error {
	if in.ReadOffset != 0 || in.ReadLimit != 0 {
		return status.Error(codes.Unimplemented, "castest: partial reads are not supported")
	}
	d, err := digestFromBytestreamPath(in.ResourceName)
	if err != nil {
		return err
	}
	if s.isUnavailable(d) {
		return status.Errorf(codes.NotFound, "blob %s not found", d)
	}
	r, err := s.Blobs.Get(d)
	if err != nil {
		return status.Errorf(codes.NotFound, "blob %s not found", d)
	}
	defer r.Close()

	buf := make([]byte, 65536)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := out.Send(&bytestream.ReadResponse{Data: append([]byte(nil), buf[:n]...)}); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return status.Error(codes.Internal, rerr.Error())
		}
	}
}

func (s *Server) Write(stream bytestream.ByteStream_WriteServer) error {
	var data []byte
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		data = append(data, req.Data...)
		if req.FinishWrite {
			break
		}
	}
	if _, err := s.Blobs.InsertBytes(stream.Context(), data); err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendAndClose(&bytestream.WriteResponse{CommittedSize: int64(len(data))})
}

func (s *Server) QueryWriteStatus(ctx context.Context, in *bytestream.QueryWriteStatusRequest) (*bytestream.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "castest: QueryWriteStatus is not exercised by this engine")
}

// digestFromBytestreamPath parses a Read resource name of the form
// "{instance}/blobs/{hash}/{size}" or "blobs/{hash}/{size}".
func digestFromBytestreamPath(resourceName string) (digest.Digest, error) {
	fields := strings.FieldsFunc(resourceName, func(r rune) bool { return r == '/' })
	l := len(fields)
	if l < 3 || fields[l-3] != "blobs" {
		return digest.BadDigest, status.Error(codes.InvalidArgument, "invalid bytestream resource name")
	}
	size, err := strconv.ParseInt(fields[l-1], 10, 64)
	if err != nil {
		return digest.BadDigest, status.Error(codes.InvalidArgument, "invalid bytestream resource name")
	}
	return digest.NewDigest(fields[l-2], size)
}
