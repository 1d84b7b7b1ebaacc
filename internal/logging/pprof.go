package logging

import (
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
)

const pprofAddr = "localhost:6060"

// startPprof serves pprof on localhost only. Only called when PprofEnabled is set.
// Runs in its own goroutine because Init holds globalMu while calling it.
func startPprof() {
	go func() {
		srv := &http.Server{
			Addr:     pprofAddr,
			ErrorLog: log.New(NewBridgeWriter(CompHost), "", 0),
		}
		Logger().Info("pprof_server_start", slog.String("addr", pprofAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Logger().Error("pprof_server_error", slog.String("error", err.Error()))
		}
	}()
}
