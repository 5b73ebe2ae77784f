package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"stableramp/src/auth"
	"stableramp/src/model"
	"stableramp/src/repository"
)

type offerBook interface {
	ListActive(ctx context.Context, direction string) ([]model.Offer, error)
	Create(ctx context.Context, offer *model.Offer) error
	Withdraw(ctx context.Context, publicID string, lpUserID uint) (*model.Offer, error)
	SetStatus(ctx context.Context, publicID string, lpUserID uint, status string) (*model.Offer, error)
}

// CreateOfferPayload is the LP-facing offer submission.
type CreateOfferPayload struct {
	Direction       string          `json:"direction"`
	AvailableAmount decimal.Decimal `json:"available_amount"`
	Rate            decimal.Decimal `json:"rate"`
	FeePercent      decimal.Decimal `json:"fee_percent"`
	MinOrderAmount  decimal.Decimal `json:"min_order_amount"`
	MaxOrderAmount  decimal.Decimal `json:"max_order_amount"`
	BankName        string          `json:"bank_name"`
	AccountNumber   string          `json:"account_number"`
	AccountName     string          `json:"account_name"`
	PhoneNumber     string          `json:"phone_number"`
	NationalID      string          `json:"national_id"`
}

// ListOffersHandler lists active offers for one direction, best price first.
func ListOffersHandler(book offerBook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		direction := r.URL.Query().Get("direction")
		if direction == "" {
			direction = model.DirectionBuy
		}

		offers, err := book.ListActive(r.Context(), direction)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, offers)
	}
}

// CreateOfferHandler lets an LP post a new standing offer.
func CreateOfferHandler(book offerBook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var payload CreateOfferPayload
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&payload); err != nil {
			logger.WithError(err).Warn("invalid offer payload")
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

		offer := &model.Offer{
			LPUserID:        user.ID,
			Direction:       payload.Direction,
			AvailableAmount: payload.AvailableAmount,
			Rate:            payload.Rate,
			FeePercent:      payload.FeePercent,
			MinOrderAmount:  payload.MinOrderAmount,
			MaxOrderAmount:  payload.MaxOrderAmount,
			BankName:        payload.BankName,
			AccountNumber:   payload.AccountNumber,
			AccountName:     payload.AccountName,
			PhoneNumber:     payload.PhoneNumber,
			NationalID:      payload.NationalID,
			Rating:          user.Rating,
		}

		if err := book.Create(r.Context(), offer); err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, offer)
	}
}

// WithdrawOfferHandler soft-deletes an offer once no open orders remain.
func WithdrawOfferHandler(book offerBook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		offer, err := book.Withdraw(r.Context(), chi.URLParam(r, "id"), user.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, offer)
	}
}

// SetOfferStatusHandler toggles an offer between active and paused.
func SetOfferStatusHandler(book offerBook, status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		offer, err := book.SetStatus(r.Context(), chi.URLParam(r, "id"), user.ID, status)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, offer)
	}
}

// DefaultOfferRoutes wires the offer handlers to the production repository.
func DefaultOfferRoutes(r chi.Router) {
	book := repository.NewOfferRepository()
	r.Get("/offers", ListOffersHandler(book))
	r.Post("/offers", CreateOfferHandler(book))
	r.Post("/offers/{id}/withdraw", WithdrawOfferHandler(book))
	r.Post("/offers/{id}/pause", SetOfferStatusHandler(book, model.OfferStatusPaused))
	r.Post("/offers/{id}/resume", SetOfferStatusHandler(book, model.OfferStatusActive))
}
