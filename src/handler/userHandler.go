package handler

import (
	"encoding/json"
	"net/http"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"stableramp/src/auth"
	"stableramp/src/model"
	"stableramp/src/repository"
)

// UpdatePasswordHandler rotates the caller's password after verifying
// the current one.
func UpdatePasswordHandler(users *repository.UserRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.GetUserFromContext(r.Context())
		if !ok || user == nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var payload model.UpdatePasswordPayload
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&payload); err != nil {
			logger.WithError(err).Warn("invalid password payload")
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

		if len(payload.NewPassword) < 8 {
			http.Error(w, "password too short", http.StatusBadRequest)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(payload.CurrentPassword)); err != nil {
			http.Error(w, "current password incorrect", http.StatusForbidden)
			return
		}

		hashed, err := bcrypt.GenerateFromPassword([]byte(payload.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			logger.WithError(err).Error("failed to hash password")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if err := users.UpdatePassword(r.Context(), user.ID, string(hashed)); err != nil {
			logger.WithError(err).Error("failed to update password")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
