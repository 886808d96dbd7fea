package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all portfolio and session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/portfolio", func(r chi.Router) {
		r.Get("/", h.HandleGetPortfolio)
		r.Post("/buy", h.HandleBuy)
		r.Post("/sell", h.HandleSell)
		r.Post("/refresh", h.HandleRefresh)
		r.Get("/transactions", h.HandleGetTransactions)
	})

	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.HandleGetSession)
		r.Post("/login", h.HandleLogin)
		r.Post("/logout", h.HandleLogout)
	})
}
