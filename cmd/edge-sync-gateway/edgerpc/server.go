package edgerpc

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

type ServerConfig struct {
	Port                  int
	CertFile              string
	KeyFile               string
	MaxInboundMessageSize int
	KeepAliveInterval     time.Duration
	KeepAliveTimeout      time.Duration
	PermitWithoutStream   bool
}

type Server struct {
	cfg  ServerConfig
	grpc *grpc.Server
}

func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxInboundMessageSize),
		grpc.ForceServerCodec(Codec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepAliveInterval,
			Timeout: cfg.KeepAliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepAliveInterval / 2,
			PermitWithoutStream: cfg.PermitWithoutStream,
		}),
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS material: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s := grpc.NewServer(opts...)
	RegisterEdgeRPCService(s, handler)
	return &Server{cfg: cfg, grpc: s}, nil
}

// Start blocks serving the edge RPC endpoint until Stop is called.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
	}
	zap.S().Infof("Edge RPC service listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
