package frontend

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/tesslog"
)

// Server accepts client connections and runs one Conn per accepted
// socket.
type Server struct {
	eng          engine.Engine
	writerSource engine.WriterSource
	cfg          *config.FrontendCfg
}

func NewServer(eng engine.Engine, writerSource engine.WriterSource, cfg *config.FrontendCfg) *Server {
	return &Server{
		eng:          eng,
		writerSource: writerSource,
		cfg:          cfg,
	}
}

// Run serves until the listener fails or the context is cancelled.
func (s *Server) Run(ctx context.Context, listener net.Listener) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return err
			}
			tesslog.Zero.Info().
				Str("remote", conn.RemoteAddr().String()).
				Msg("accepted client connection")

			group.Go(func() error {
				defer func() {
					tesslog.Zero.Info().
						Str("remote", conn.RemoteAddr().String()).
						Msg("client disconnected")
				}()
				if err := NewConn(conn, s.eng, s.writerSource, s.cfg).Serve(ctx); err != nil {
					tesslog.Zero.Error().
						Err(err).
						Str("remote", conn.RemoteAddr().String()).
						Msg("client connection failed")
				}
				return nil
			})
		}
	})

	return group.Wait()
}
