package handler

import "net/http"

// NewHealthHandler は ready が false の間 503 を返します。シャットダウン中にロードバランサから外すために使います。
func NewHealthHandler(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil && !ready() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
