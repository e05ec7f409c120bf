// Package httpapi exposes the billing core over HTTP.
//
// Routes:
//
//	POST /webhooks/{provider}                 provider webhook intake
//	POST /accounts/{accountID}/checkout       hosted checkout link
//	POST /accounts/{accountID}/gate/{kind}    quota check for one action
//	GET  /accounts/{accountID}/usage          plan, status and per-metric usage
//	GET  /accounts/{accountID}/downgrade/{planID}
//	GET  /healthz, /readyz, /metrics
//
// A webhook is acknowledged with 200 only after its outcome is recorded in
// the event ledger. Signature failures get 400 and are never ingested.
// Ingestion failures get 500 so the provider redelivers.
//
// # Usage
//
//	api := httpapi.New(adapters, ingestor, checkout, gate,
//		httpapi.WithLogger(log),
//		httpapi.WithHealthChecks(httpserver.Check{Name: "postgres", Ping: pg.Healthcheck(pool)}),
//		httpapi.WithMetricsHandler(promhttp.Handler()),
//	)
//	srv.Run(ctx, api.Router())
package httpapi
