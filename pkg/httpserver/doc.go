// Package httpserver runs the billingd HTTP listener and serves its health
// checks.
//
// Server.Run binds the listener, closes Ready, and serves until the context
// ends. Shutdown then waits up to the configured timeout for requests in
// flight, so a provider webhook being ingested is not cut off mid-write.
// Request contexts keep the run context's values but are not cancelled with
// it. Errors are wrapped with ErrStart or ErrShutdown.
//
// HealthCheckHandler backs /healthz and /readyz. With no checks it always
// answers 200; with checks it reports each named dependency and answers 503
// when any fails.
//
// # Usage
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	g.Go(func() error { return srv.Run(ctx, api.Router()) })
//
//	r.Get("/readyz", httpserver.HealthCheckHandler(log, 2*time.Second,
//		httpserver.Check{Name: "postgres", Ping: pg.Healthcheck(pool)}))
package httpserver
