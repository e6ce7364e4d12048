package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextAccessors(t *testing.T) {
	t.Run("request ID round-trips through context", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), RequestIDKey, "req-123")
		assert.Equal(t, "req-123", GetRequestID(ctx))
	})

	t.Run("client IP round-trips through context", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), ClientIPKey, "203.0.113.7")
		assert.Equal(t, "203.0.113.7", GetClientIP(ctx))
	})

	t.Run("missing values yield empty strings", func(t *testing.T) {
		assert.Equal(t, "", GetRequestID(context.Background()))
		assert.Equal(t, "", GetClientIP(context.Background()))
	})

	t.Run("wrong-typed values yield empty strings", func(t *testing.T) {
		ctx := context.WithValue(context.Background(), RequestIDKey, 12345)
		assert.Equal(t, "", GetRequestID(ctx))

		ctx = context.WithValue(context.Background(), ClientIPKey, []byte("ip"))
		assert.Equal(t, "", GetClientIP(ctx))
	})
}

func TestChain(t *testing.T) {
	tag := func(name string, order *[]string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				*order = append(*order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	t.Run("empty chain passes through to the handler", func(t *testing.T) {
		called := false
		handler := New().Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.True(t, called)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("nil handler falls back to DefaultServeMux", func(t *testing.T) {
		assert.NotNil(t, New().Then(nil))
	})

	t.Run("middlewares run in registration order", func(t *testing.T) {
		var order []string
		handler := New(tag("first", &order), tag("second", &order)).
			ThenFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, "handler")
			})

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.Equal(t, []string{"first", "second", "handler"}, order)
	})

	t.Run("middleware can short-circuit", func(t *testing.T) {
		handlerCalled := false
		deny := func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			})
		}

		handler := New(deny).ThenFunc(func(w http.ResponseWriter, r *http.Request) {
			handlerCalled = true
		})

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

		assert.False(t, handlerCalled)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("append leaves the original chain untouched", func(t *testing.T) {
		var order []string
		original := New(tag("first", &order))
		extended := original.Append(tag("second", &order))

		extended.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
		assert.Equal(t, []string{"first", "second", "handler"}, order)

		order = nil
		original.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "handler")
		}).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))
		assert.Equal(t, []string{"first", "handler"}, order)
	})
}
