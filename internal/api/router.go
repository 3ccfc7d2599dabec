package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/scratchwin/scratch-engine/internal/metrics"
)

// NewRouter builds the HTTP router. feed may be nil when the winners feed
// is not served.
func NewRouter(svc *Service, feed *Feed) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", IdempotencyHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"scratch-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived, so outside the request timeout.
		if feed != nil {
			r.Get("/ws", feed.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Accounts and wallets.
			r.Post("/accounts", svc.OpenAccount)
			r.Get("/wallets/{accountID}", svc.GetWallet)
			r.Get("/wallets/{accountID}/balance", svc.GetBalance)
			r.Get("/wallets/{accountID}/entries", svc.GetEntries)

			// Games and prize catalogs.
			r.Post("/games", svc.CreateGame)
			r.Get("/games/{gameID}", svc.GetGame)
			r.Put("/games/{gameID}/catalog", svc.ConfigureCatalog)
			r.Get("/games/{gameID}/house-edge", svc.GetHouseEdge)

			// Rounds.
			r.Post("/rounds", svc.PlayRound)
			r.Get("/rounds/{roundID}", svc.GetRound)

			// Referral configuration.
			r.Post("/affiliates", svc.RegisterAffiliate)
			r.Post("/partners", svc.RegisterPartner)
			r.Get("/tiers", svc.GetTiers)
			r.Put("/tiers", svc.ConfigureTiers)

			// Deposits.
			r.Post("/webhooks/deposits", svc.DepositWebhook)
			r.Get("/deposits/{depositID}/conversions", svc.GetConversions)

			r.Get("/audit/report", svc.AuditReport)
		})
	})
	return r
}
