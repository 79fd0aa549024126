package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"orderq/internal/domain"
	"orderq/internal/lifecycle"
	"orderq/internal/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// PaymentRecorder persists an incoming payment confirmation.
type PaymentRecorder interface {
	MarkPaid(ctx context.Context, orderRef string) error
}

type createOrderReq struct {
	OrderRef string             `json:"order_ref"`
	Items    []domain.OrderItem `json:"items"`
}

type cancelOrderReq struct {
	Reason string `json:"reason"`
}

type Server struct {
	router *chi.Mux
}

func NewServer(coord *lifecycle.Coordinator, sched *scheduler.Scheduler, payments PaymentRecorder) *Server {
	r := chi.NewRouter()

	r.Post("/orders", func(w http.ResponseWriter, r *http.Request) {
		var req createOrderReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		order, err := coord.CreateOrder(r.Context(), req.OrderRef, req.Items)
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(order)
	})

	r.Post("/orders/{ref}/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req cancelOrderReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Reason == "" {
			req.Reason = "USER_CANCELLED"
		}
		if err := coord.CancelOrder(r.Context(), chi.URLParam(r, "ref"), req.Reason); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	// The payment gateway callback: record the payment, then cancel the timer.
	r.Post("/orders/{ref}/paid", func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "ref")
		if err := payments.MarkPaid(r.Context(), ref); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := coord.HandlePaid(r.Context(), ref); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/orders/{ref}/timeout", func(w http.ResponseWriter, r *http.Request) {
		remaining, err := coord.RemainingMinutes(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"remaining_minutes": remaining})
	})

	r.Get("/tasks/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := sched.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(stats)
	})

	return &Server{router: r}
}

func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrLockUnavailable),
		errors.Is(err, lifecycle.ErrOrderNotPending):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Run method of the Server struct runs the HTTP server on the specified port. It initializes
// a new HTTP server instance with the specified port and the server's router.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	h := chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/" }),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
