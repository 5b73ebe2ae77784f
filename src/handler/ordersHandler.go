package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"stableramp/src/auth"
	"stableramp/src/matcher"
	"stableramp/src/model"
	"stableramp/src/settlement"
)

type orderCreator interface {
	CreateOrder(ctx context.Context, buyerUserID uint, input matcher.CreateOrderInput) (*model.Order, error)
}

type orderSettler interface {
	LockEscrow(ctx context.Context, orderPublicID string, buyerUserID uint) (*model.Order, error)
	MarkPaid(ctx context.Context, orderPublicID string, buyerUserID uint) (*model.Order, error)
	ConfirmReceipt(ctx context.Context, orderPublicID string, lpUserID uint) (*model.Order, error)
	Cancel(ctx context.Context, orderPublicID string, actorUserID uint) (*model.Order, error)
	Dispute(ctx context.Context, orderPublicID string, actorUserID uint, reason string) (*model.Order, error)
}

type orderReader interface {
	FindByPublicID(ctx context.Context, publicID string) (*model.Order, error)
	ListByBuyer(ctx context.Context, buyerUserID uint) ([]model.Order, error)
	ListByLP(ctx context.Context, lpUserID uint) ([]model.Order, error)
}

// CreateOrderPayload takes the requested size in exactly one denomination.
type CreateOrderPayload struct {
	OfferID      string `json:"offer_id"`
	AmountStable string `json:"amount_stable,omitempty"`
	AmountFiat   string `json:"amount_fiat,omitempty"`
}

type disputePayload struct {
	Reason string `json:"reason"`
}

// CreateOrderHandler matches a buyer against an offer.
func CreateOrderHandler(m orderCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var payload CreateOrderPayload
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&payload); err != nil {
			logger.WithError(err).Warn("invalid order payload")
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

		input, err := payload.toInput()
		if err != nil {
			writeDomainError(w, err)
			return
		}

		order, err := m.CreateOrder(r.Context(), user.ID, input)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, order)
	}
}

func (p CreateOrderPayload) toInput() (matcher.CreateOrderInput, error) {
	input := matcher.CreateOrderInput{OfferID: p.OfferID}

	if p.AmountStable != "" {
		amount, err := decimalFromString(p.AmountStable)
		if err != nil {
			return input, err
		}
		input.AmountStable = amount
	}
	if p.AmountFiat != "" {
		amount, err := decimalFromString(p.AmountFiat)
		if err != nil {
			return input, err
		}
		input.AmountFiat = amount
	}
	return input, nil
}

// GetOrderHandler returns one order to either of its parties. This is
// the endpoint reconciliation pollers hit.
func GetOrderHandler(reader orderReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		order, err := reader.FindByPublicID(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if order.BuyerUserID != user.ID && order.LPUserID != user.ID {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		writeJSON(w, http.StatusOK, order)
	}
}

// ListOrdersHandler lists the caller's orders as buyer or as LP.
func ListOrdersHandler(reader orderReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var (
			orders []model.Order
			err    error
		)
		switch r.URL.Query().Get("role") {
		case "lp":
			orders, err = reader.ListByLP(r.Context(), user.ID)
		default:
			orders, err = reader.ListByBuyer(r.Context(), user.ID)
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, orders)
	}
}

// transitionHandler adapts one settlement operation into an HTTP handler.
func transitionHandler(op func(ctx context.Context, orderPublicID string, userID uint) (*model.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		order, err := op(r.Context(), chi.URLParam(r, "id"), user.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, order)
	}
}

// DisputeOrderHandler freezes an order for manual resolution.
func DisputeOrderHandler(settler orderSettler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var payload disputePayload
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&payload); err != nil {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

		order, err := settler.Dispute(r.Context(), chi.URLParam(r, "id"), user.ID, payload.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, order)
	}
}

// OrderRoutes mounts the full order surface.
func OrderRoutes(r chi.Router, m orderCreator, settler orderSettler, reader orderReader) {
	r.Post("/orders", CreateOrderHandler(m))
	r.Get("/orders", ListOrdersHandler(reader))
	r.Get("/orders/{id}", GetOrderHandler(reader))
	r.Post("/orders/{id}/lock-escrow", transitionHandler(settler.LockEscrow))
	r.Post("/orders/{id}/mark-paid", transitionHandler(settler.MarkPaid))
	r.Post("/orders/{id}/confirm-receipt", transitionHandler(settler.ConfirmReceipt))
	r.Post("/orders/{id}/cancel", transitionHandler(settler.Cancel))
	r.Post("/orders/{id}/dispute", DisputeOrderHandler(settler))
}

var _ orderSettler = (*settlement.StateMachine)(nil)
