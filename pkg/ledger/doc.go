// Package ledger is the durable billing state: plans and their quota
// features, subscriptions, usage counters, credit packages and purchases,
// payments, billing events, promotions, discounts and the webhook queue.
//
// All access goes through Store.WithTx, which runs a serializable
// transaction and hands the callback a Tx. Services compose by passing the
// transaction context down: a nested WithTx on the same store joins the
// outer transaction, and AfterCommit defers side effects such as user
// notifications until the outermost commit succeeds.
//
// Two implementations are provided. MemoryStore backs tests and local
// runs; PostgresStore uses pgx with the schema in Migrations.
package ledger
