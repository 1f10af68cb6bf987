// Package middleware содержит HTTP middleware магазина билетов.
package middleware

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyHeader — заголовок с общим секретом служебных маршрутов.
const APIKeyHeader = "X-API-Key"

// APIKeyMiddleware пропускает запрос, только если заголовок X-API-Key совпадает с общим секретом.
type APIKeyMiddleware struct {
	key []byte
}

// NewAPIKeyMiddleware создаёт middleware с указанным секретом. При пустом секрете
// все запросы отклоняются.
func NewAPIKeyMiddleware(key string) *APIKeyMiddleware {
	return &APIKeyMiddleware{key: []byte(key)}
}

// Middleware отвечает 401 на запрос без ключа или с неверным ключом.
func (a *APIKeyMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.valid(r.Header.Get(APIKeyHeader)) {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *APIKeyMiddleware) valid(got string) bool {
	if len(a.key) == 0 || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), a.key) == 1
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"success":false,"message":"認証エラー"}`))
}
