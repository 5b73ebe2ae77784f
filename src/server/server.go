package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"stableramp/src/auth"
	"stableramp/src/handler"
	"stableramp/src/matcher"
	"stableramp/src/repository"
	"stableramp/src/settlement"
)

// StartServer mounts the API surface and blocks until SIGINT/SIGTERM.
func StartServer(port string, m *matcher.Matcher, sm *settlement.StateMachine) {
	users := repository.NewUserRepository()
	orders := repository.NewOrderRepository()

	r := chi.NewRouter()
	r.Use(auth.Middleware(users))

	// Public routes
	r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.WithError(err).Error("/healthcheck error")
		}
	})

	handler.DefaultOfferRoutes(r)
	handler.OrderRoutes(r, m, sm, orders)
	r.Put("/account/password", handler.UpdatePasswordHandler(users))

	// Graceful server
	addr := ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server crashed")
		}
	}()

	// Shutdown on SIGINT or SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown error")
	}
}
