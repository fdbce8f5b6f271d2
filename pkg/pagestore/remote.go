package pagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/X1-Lazypages/internal/types"
)

// Remote defaults.
const (
	// DefaultRemoteTimeout bounds each remote call.
	DefaultRemoteTimeout = 5 * time.Second

	// DefaultRemoteRetries is the number of retries for transient failures.
	DefaultRemoteRetries = 2

	// DefaultKeepaliveTime is the interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize bounds remote messages (64MB).
	DefaultMaxMessageSize = 64 << 20
)

// ErrNoEndpoint is returned when no remote endpoint is configured.
var ErrNoEndpoint = errors.New("page store endpoint is required")

const serviceName = "lazypages.PageStore"

// Full method names.
const (
	methodLoadPages  = "/" + serviceName + "/LoadPages"
	methodWritePages = "/" + serviceName + "/WritePages"
	methodListPages  = "/" + serviceName + "/ListPages"
	methodStateRoot  = "/" + serviceName + "/StateRoot"
)

// pageStoreServer is the handler type of the service.
type pageStoreServer interface {
	loadPages(ctx context.Context, req *loadPagesRequest) (*loadPagesResponse, error)
	writePages(ctx context.Context, req *pagesMessage) (*rootMessage, error)
	listPages(ctx context.Context, req *prefixRequest) (*pagesMessage, error)
	stateRoot(ctx context.Context, req *rootMessage) (*rootMessage, error)
}

func unaryHandler[Req any, Resp any](name string, call func(pageStoreServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(pageStoreServer)
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, r interface{}) (interface{}, error) {
				return call(s, ctx, r.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*pageStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("LoadPages", pageStoreServer.loadPages),
		unaryHandler("WritePages", pageStoreServer.writePages),
		unaryHandler("ListPages", pageStoreServer.listPages),
		unaryHandler("StateRoot", pageStoreServer.stateRoot),
	},
	Metadata: "lazypages/pagestore",
}

// Server exposes a Store over gRPC.
type Server struct {
	store Store
	log   logrus.FieldLogger
}

// NewServer returns a server backed by store.
func NewServer(store Store, log logrus.FieldLogger) *Server {
	return &Server{store: store, log: log.WithField("module", "pagestore-server")}
}

// ServerOptions returns the options a grpc.Server needs to serve the page store.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ForceServerCodec(binaryCodec{}),
		grpc.MaxRecvMsgSize(DefaultMaxMessageSize),
		grpc.MaxSendMsgSize(DefaultMaxMessageSize),
	}
}

// Register registers the page store service on gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

func (s *Server) loadPages(_ context.Context, req *loadPagesRequest) (*loadPagesResponse, error) {
	resp := &loadPagesResponse{
		Found: make([]bool, len(req.Keys)),
		Data:  make([][]byte, len(req.Keys)),
	}
	for i, key := range req.Keys {
		data, found, err := s.store.LoadPage(key)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.Found[i] = found
		resp.Data[i] = data
	}
	s.log.WithField("keys", len(req.Keys)).Trace("Served page load")
	return resp, nil
}

func (s *Server) writePages(_ context.Context, req *pagesMessage) (*rootMessage, error) {
	if err := s.store.WritePages(req.Pages); err != nil {
		return nil, toStatus(err)
	}
	root, err := s.store.StateRoot()
	if err != nil {
		return nil, toStatus(err)
	}
	s.log.WithFields(logrus.Fields{"pages": len(req.Pages), "root": root}).Debug("Stored pages")
	return &rootMessage{Root: root[:]}, nil
}

func (s *Server) listPages(_ context.Context, req *prefixRequest) (*pagesMessage, error) {
	resp := &pagesMessage{}
	err := s.store.IteratePrefix(req.Prefix, func(key, data []byte) error {
		resp.Pages = append(resp.Pages, Page{
			Key:  append([]byte{}, key...),
			Data: append([]byte{}, data...),
		})
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *Server) stateRoot(_ context.Context, _ *rootMessage) (*rootMessage, error) {
	root, err := s.store.StateRoot()
	if err != nil {
		return nil, toStatus(err)
	}
	return &rootMessage{Root: root[:]}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrEmptyKey):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// RemoteConfig holds the configuration for the remote page store client.
type RemoteConfig struct {
	// Endpoint is the gRPC endpoint, e.g. "pages.example.com:7100". Required.
	Endpoint string

	// Timeout bounds each call.
	Timeout time.Duration

	// Retries is the number of retries for transient failures.
	Retries int

	// KeepaliveTime is the interval between keepalive pings.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is the timeout for keepalive responses.
	KeepaliveTimeout time.Duration

	// DialOptions are appended to the default dial options.
	DialOptions []grpc.DialOption
}

// DefaultRemoteConfig returns the default client configuration.
func DefaultRemoteConfig(endpoint string) RemoteConfig {
	return RemoteConfig{
		Endpoint:         endpoint,
		Timeout:          DefaultRemoteTimeout,
		Retries:          DefaultRemoteRetries,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
	}
}

// RemoteStore is a Store client for a page store Server.
type RemoteStore struct {
	conn   *grpc.ClientConn
	config RemoteConfig
	log    logrus.FieldLogger
}

var (
	_ Store            = (*RemoteStore)(nil)
	_ BatchPageStorage = (*RemoteStore)(nil)
)

// DialRemote connects to a remote page store.
func DialRemote(config RemoteConfig, log logrus.FieldLogger) (*RemoteStore, error) {
	if config.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	kacp := keepalive.ClientParameters{
		Time:                config.KeepaliveTime,
		Timeout:             config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(kacp),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(binaryCodec{}),
			grpc.MaxCallRecvMsgSize(DefaultMaxMessageSize),
			grpc.MaxCallSendMsgSize(DefaultMaxMessageSize),
		),
	}
	opts = append(opts, config.DialOptions...)

	//nolint:staticcheck // Dial keeps compatibility with older gRPC versions
	conn, err := grpc.Dial(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &RemoteStore{
		conn:   conn,
		config: config,
		log:    log.WithFields(logrus.Fields{"module": "pagestore-remote", "endpoint": config.Endpoint}),
	}, nil
}

func (r *RemoteStore) invoke(method string, req, resp interface{}) error {
	var err error
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.Timeout)
		err = r.conn.Invoke(ctx, method, req, resp)
		cancel()
		if !isRetryableError(err) {
			return err
		}
		r.log.WithError(err).WithField("attempt", attempt+1).Warn("Retrying page store call")
	}
	return err
}

// LoadPage implements PageStorage.
func (r *RemoteStore) LoadPage(key []byte) ([]byte, bool, error) {
	data, found, err := r.LoadPages([][]byte{key})
	if err != nil {
		return nil, false, err
	}
	return data[0], found[0], nil
}

// LoadPages implements BatchPageStorage.
func (r *RemoteStore) LoadPages(keys [][]byte) ([][]byte, []bool, error) {
	resp := &loadPagesResponse{}
	if err := r.invoke(methodLoadPages, &loadPagesRequest{Keys: keys}, resp); err != nil {
		return nil, nil, fmt.Errorf("load pages: %w", err)
	}
	if len(resp.Data) != len(keys) || len(resp.Found) != len(keys) {
		return nil, nil, fmt.Errorf("%w: %d results for %d keys", ErrMalformedMessage, len(resp.Data), len(keys))
	}
	for i, found := range resp.Found {
		if !found {
			resp.Data[i] = nil
		}
	}
	return resp.Data, resp.Found, nil
}

// WritePages implements PageWriter.
func (r *RemoteStore) WritePages(pages []Page) error {
	if err := r.invoke(methodWritePages, &pagesMessage{Pages: pages}, &rootMessage{}); err != nil {
		return fmt.Errorf("write pages: %w", err)
	}
	return nil
}

// IteratePrefix implements Store.
func (r *RemoteStore) IteratePrefix(prefix []byte, fn func(key, data []byte) error) error {
	resp := &pagesMessage{}
	if err := r.invoke(methodListPages, &prefixRequest{Prefix: prefix}, resp); err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	for _, p := range resp.Pages {
		if err := fn(p.Key, p.Data); err != nil {
			return err
		}
	}
	return nil
}

// StateRoot implements Store.
func (r *RemoteStore) StateRoot() (types.Hash, error) {
	resp := &rootMessage{}
	if err := r.invoke(methodStateRoot, &rootMessage{}, resp); err != nil {
		return types.Hash{}, fmt.Errorf("state root: %w", err)
	}
	var root types.Hash
	if len(resp.Root) != len(root) {
		return types.Hash{}, types.ErrInvalidHash
	}
	copy(root[:], resp.Root)
	return root, nil
}

// Close implements Store.
func (r *RemoteStore) Close() error {
	return r.conn.Close()
}

// isRetryableError returns true if the error should trigger a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			return true
		}
	}
	return errors.Is(err, io.EOF)
}
