// Package httpserver provides the HTTP server shared by the peer and
// experiment binaries.
//
// A BaseServer wraps a chi router with request ids, panic recovery and
// structured request logging. Components plug in by implementing
// RouteRegistrar:
//
//	ov := overlay.NewHTTPOverlay(ovCfg, scheduler, log)
//	srv, err := httpserver.New(cfg, ov, experiment.NewStatusHandler(orch))
//	if err != nil {
//	    return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
//
// Every server also exposes:
//
//   - /livez and /readyz health checks
//   - /drain and /undrain to toggle readiness ahead of a shutdown
//   - /debug/pprof when EnablePprof is set
//
// Prometheus metrics are served on a separate listener (MetricsAddr). The
// collector is available through Metrics().Collector() regardless of
// whether that listener is started, so transfer and lifecycle metrics can
// always be wired.
package httpserver
