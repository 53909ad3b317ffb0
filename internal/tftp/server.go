// Package tftp serves iPXE loaders to firmware that cannot speak HTTP.
package tftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"github.com/pin/tftp/v3"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/blob"
	"github.com/jbweber/homelab/director/internal/metrics"
)

// KeyPrefix is prepended to requested filenames to form blob keys.
const KeyPrefix = "tftp/"

// ErrReadOnly is returned for write requests.
var ErrReadOnly = errors.New("tftp server is read-only")

// Server is a read-only TFTP server backed by blob storage.
type Server struct {
	store   blob.Storage
	timeout time.Duration
	logger  *zap.Logger
	srv     *tftp.Server
}

// NewServer creates a server reading from store.
func NewServer(store blob.Storage, timeout time.Duration, logger *zap.Logger) *Server {
	s := &Server{store: store, timeout: timeout, logger: logger.Named("tftp")}
	s.srv = tftp.NewServer(s.read, s.write)
	if timeout > 0 {
		s.srv.SetTimeout(timeout)
	}
	return s
}

func (s *Server) read(filename string, rf io.ReaderFrom) error {
	key, err := blob.CleanKey(KeyPrefix + path.Clean("/"+filename))
	if err != nil {
		return err
	}

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	data, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("tftp file not served", zap.String("file", filename), zap.Error(err))
		return err
	}

	if t, ok := rf.(tftp.OutgoingTransfer); ok {
		t.SetSize(int64(len(data)))
		remote := t.RemoteAddr()
		s.logger.Debug("tftp read", zap.String("file", filename), zap.String("remote", remote.String()))
	}
	if _, err := rf.ReadFrom(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("send %s: %w", filename, err)
	}
	metrics.BootRequestsTotal.WithLabelValues("tftp", path.Base(filename)).Inc()
	return nil
}

func (s *Server) write(filename string, _ io.WriterTo) error {
	s.logger.Warn("tftp write refused", zap.String("file", filename))
	return ErrReadOnly
}

// Serve answers requests on conn until Shutdown.
func (s *Server) Serve(conn net.PacketConn) error {
	return s.srv.Serve(conn)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("listen tftp on %s: %w", addr, err)
	}
	s.logger.Info("tftp server listening", zap.String("addr", conn.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		s.srv.Shutdown()
	}()
	return s.Serve(conn)
}
