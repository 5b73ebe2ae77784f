package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"stableramp/src/model"
)

type mockUserFinder struct {
	user *model.User
	err  error
}

func (m *mockUserFinder) FindByID(_ context.Context, _ uint) (*model.User, error) {
	return m.user, m.err
}

func echoUser(t *testing.T, captured **model.User) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := GetUserFromContext(r.Context())
		*captured = user
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareResolvesUser(t *testing.T) {
	var captured *model.User
	handler := Middleware(&mockUserFinder{user: &model.User{ID: 7, Username: "buyer"}})(echoUser(t, &captured))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-User-ID", "7")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured == nil || captured.ID != 7 {
		t.Fatalf("expected user 7 in context, got %+v", captured)
	}
}

func TestMiddlewareWithoutHeader(t *testing.T) {
	var captured *model.User
	handler := Middleware(&mockUserFinder{})(echoUser(t, &captured))

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected anonymous request to pass through, got %d", rr.Code)
	}
	if captured != nil {
		t.Fatalf("expected no user in context, got %+v", captured)
	}
}

func TestMiddlewareBadHeader(t *testing.T) {
	handler := Middleware(&mockUserFinder{})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-User-ID", "not-a-number")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestMiddlewareUnknownUser(t *testing.T) {
	handler := Middleware(&mockUserFinder{err: model.ErrNotFound})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("X-User-ID", "42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
