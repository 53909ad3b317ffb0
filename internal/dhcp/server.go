package dhcp

import (
	"context"
	"fmt"
	"net"

	dhcp4 "github.com/krolaw/dhcp4"
	"go.uber.org/zap"
)

// Server listens for DHCP requests on a UDP socket.
type Server struct {
	listen  string
	handler dhcp4.Handler
	logger  *zap.Logger
}

// NewServer creates a server bound to listen, usually ":67".
func NewServer(listen string, handler dhcp4.Handler, logger *zap.Logger) *Server {
	return &Server{listen: listen, handler: handler, logger: logger.Named("dhcp")}
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	conn, err := net.ListenPacket("udp4", s.listen)
	if err != nil {
		return fmt.Errorf("listen dhcp on %s: %w", s.listen, err)
	}
	s.logger.Info("dhcp server listening", zap.String("addr", conn.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	err = dhcp4.Serve(conn, s.handler)
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("dhcp server: %w", err)
}
