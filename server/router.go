package server

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"skirmish/server/domain"
	"skirmish/server/handler"
)

// Route はゲームサーバーのHTTPルーティングを作ります。
//
//	/ws       WebSocket接続
//	/healthz  死活監視。ready が false になると 503
func Route(pubsub domain.PubSub, roomManager domain.RoomManager, ready func() bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", handler.NewAcceptHandler(pubsub, roomManager))
	mux.Handle("GET /healthz", handler.NewHealthHandler(ready))
	return otelhttp.NewHandler(mux, "skirmish")
}
