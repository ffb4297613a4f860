package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := s.Listen()
	if err != nil {
		_ = s.close(context.Background())
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.Server.ReadHeaderTimeout,
	}

	if s.replayer != nil {
		if err := s.replayer.Start(); err != nil {
			_ = listener.Close()
			_ = s.close(context.Background())
			return err
		}
	}
	if s.promptFile != nil && s.config.Prompts.Watch {
		if err := s.promptFile.Watch(ctx); err != nil {
			s.logger.Warn("prompt watch disabled", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", listener.Addr().String(), "version", s.version)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down")
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.replayer != nil {
		if err := s.replayer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop gap replay: %w", err))
		}
	}
	if n := s.writer.Gaps().Len(); n > 0 {
		s.logger.Warn("unreplayed persistence gaps at shutdown", "count", n)
	}
	errs = append(errs, s.close(ctx))
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
