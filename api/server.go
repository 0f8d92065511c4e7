/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers and capabilities.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through logrus (requestLogger)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dealer portal
  5. Actor:      X-Actor-* headers to core.Actor (all routes but health)

ROUTE GROUPS:
  /api/health            Liveness (no actor)
  /api/vehicles/*        Catalog
  /api/stock/*           Stock ledger
  /api/orders/*          Order state machine and payments
  /api/requests/*        Order request workflow
  /api/request-vehicles  Manufacturer distribution queue
  /api/debts/*           Customer and dealer debts
  /api/audit/*           Ledger auditor (admin)
  /api/scenarios/*       Demo scenarios (admin)

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Actor resolution and scope rules
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/warp/ev-sales-engine/core"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			"X-Actor-ID", "X-Actor-Role", "X-Dealership-ID", "X-Manufacturer-ID",
		},
		ExposedHeaders: []string{"X-Request-Id"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(h.withActor)

			r.Route("/vehicles", func(r chi.Router) {
				r.With(h.require(core.CapViewStock)).Get("/", h.ListVehicles)
				r.With(h.require(core.CapManageCatalog)).Post("/", h.RegisterVehicle)
			})

			r.Route("/stock", func(r chi.Router) {
				r.With(h.require(core.CapViewStock)).Get("/batches", h.ListBatches)
				r.With(h.require(core.CapReceiveStock)).Post("/batches", h.ReceiveStock)
				r.With(h.require(core.CapViewStock)).Get("/availability", h.GetAvailability)
			})

			r.Route("/orders", func(r chi.Router) {
				r.With(h.require(core.CapCreateOrder)).Get("/", h.ListOrders)
				r.With(h.require(core.CapCreateOrder)).Post("/", h.CreateOrder)
				r.Route("/{id}", func(r chi.Router) {
					r.With(h.require(core.CapCreateOrder)).Get("/", h.GetOrder)
					r.With(h.require(core.CapCreateOrder)).Get("/logs", h.GetOrderLogs)
					r.With(h.require(core.CapViewDebts)).Get("/debt", h.GetOrderDebt)
					r.With(h.require(core.CapRecordPayment)).Post("/payments", h.RecordPayment)
					r.With(h.require(core.CapCreateOrder)).Post("/resume", h.ResumeOrder)
					r.With(h.require(core.CapDeliverOrder)).Post("/deliver", h.DeliverOrder)
					r.With(h.require(core.CapDeliverOrder)).Post("/complete", h.CompleteOrder)
					r.With(h.require(core.CapCancelOrder)).Post("/cancel", h.CancelOrder)
				})
			})

			r.Route("/requests", func(r chi.Router) {
				r.With(h.require(core.CapCreateRequest)).Get("/", h.ListRequests)
				r.With(h.require(core.CapCreateRequest)).Post("/", h.CreateRequest)
				r.With(h.require(core.CapCreateRequest)).Get("/{id}", h.GetRequest)
				r.With(h.require(core.CapDecideRequest)).Post("/{id}/approve", h.ApproveRequest)
				r.With(h.require(core.CapDecideRequest)).Post("/{id}/reject", h.RejectRequest)
				r.With(h.require(core.CapCreateRequest)).Post("/{id}/cancel", h.CancelRequest)
			})

			r.Route("/request-vehicles", func(r chi.Router) {
				r.With(h.require(core.CapViewStock)).Get("/", h.ListRequestVehicles)
				r.With(h.require(core.CapDistributeVehicle)).Post("/{id}/distribute", h.DistributeVehicle)
				r.With(h.require(core.CapDistributeVehicle)).Post("/{id}/reject", h.RejectRequestVehicle)
			})

			r.Route("/debts", func(r chi.Router) {
				r.Use(h.require(core.CapViewDebts))
				r.Get("/customers/{customer_id}", h.ListCustomerDebts)
				r.Get("/dealers/{dealership_id}", h.ListDealerDebts)
				r.Get("/dealers/{dealership_id}/{manufacturer_id}", h.GetDealerDebt)
				r.With(h.require(core.CapPayManufacturer)).Post("/dealers/payments", h.PayManufacturer)
			})

			r.Route("/audit", func(r chi.Router) {
				r.Use(h.require(core.CapManageSystem))
				r.Get("/", h.GetAudit)
				r.Post("/run", h.RunAudit)
			})

			r.Route("/scenarios", func(r chi.Router) {
				r.Use(h.require(core.CapManageSystem))
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		})
	})

	return r
}

// requestLogger logs one line per request through logrus.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.WithFields(logrus.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"request_id":  middleware.GetReqID(r.Context()),
				}).Info("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
