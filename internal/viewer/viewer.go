// Package viewer serves a peer's local control surface: the JSON API in
// viewer/routes, the log tail and a small status page.
package viewer

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/petervdpas/huddle/internal/viewer/routes"
)

type Viewer struct {
	Calls routes.Calls
	Logs  *LogBuffer
	// Gesture is called on every command request. The ring tone stays
	// silent until the first one.
	Gesture func()

	CommandTimeout time.Duration
}

func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", serveStatus)

	deps := routes.Deps{Calls: v.Calls, CommandTimeout: v.CommandTimeout}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	if v.Gesture == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			v.Gesture()
		}
		mux.ServeHTTP(w, r)
	})
}

// Start serves until ctx is canceled.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Printf("VIEWER: listening on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
