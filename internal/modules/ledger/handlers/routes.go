package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the ledger audit routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/transactions", h.HandleGetTransactions)
		r.Get("/document", h.HandleGetDocument)
	})
}
