package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"quiz-room-engine/internal/transport/roomsapi"
)

// NewRoomsCmd serves the room service HTTP API on its own, for engines configured with rooms.url.
func NewRoomsCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "Serve the room service API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRooms(cmd.Context(), *configPath, *port)
		},
	}
}

func runRooms(ctx context.Context, configPath, portFlag string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Rooms.Token == "" {
		return errors.New("rooms.token is required to serve the room service to engines")
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	backend, closeBackend, err := openEmbeddedRooms(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer closeBackend()
	go func() {
		_ = runRetention(ctx, backend, cfg, clock)
	}()

	addr := ":" + resolvePort(portFlag, cfg, "8081")
	server := &http.Server{
		Addr:         addr,
		Handler:      roomsapi.NewRouter(backend, cfg.Rooms.Token),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("starting room service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("shutting down room service")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
