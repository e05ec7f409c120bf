// Package audit batches subscription version history rows before they reach
// storage.
//
// Every write the subscription Store makes appends one AuditEntry. The rows
// are never read on the request path, so AsyncWriter queues them in memory and
// hands them to a BatchWriter in bulk (pgstore.Repository uses COPY).
//
// # Usage
//
//	repo := pgstore.New(pool)
//	writer, closeAudit := audit.NewAsyncWriter(repo, audit.AsyncOptions{Logger: log})
//	defer closeAudit(context.Background())
//
//	store := subscription.NewStore(subs, catalog, subscription.WithAuditLog(writer))
//
// # Delivery
//
// Append returns as soon as the entry is queued. A failed batch is retried
// with exponential back-off (github.com/sethvargo/go-retry), then logged
// through AsyncOptions.Logger and counted in
// botmeter_audit_entries_dropped_total when a Registerer is set. When the buffer is full the
// entry is written synchronously instead of being dropped. Close drains the
// queue and flushes the final batch.
package audit
