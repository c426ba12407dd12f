// Package sqlgate exposes the Go APIs behind a resilience proxy that sits in
// front of one or more SQL databases. Every statement passes through four
// admission mechanisms that are kept per datasource:
//
//   - a failure ledger (circuit breaker) keyed by statement fingerprint, which
//     fails repeatedly broken statements fast for a cooldown window;
//   - a latency ledger that tracks an exponential moving average per
//     fingerprint and classifies statements whose average is at least twice
//     the overall average as slow;
//   - a two-lane capacity pool that separates slow and fast work and lets an
//     idle lane lend permits to the busy one;
//   - a limiter on concurrently open XA transaction branches.
//
// Locally synthesized rejections (circuit_open, capacity_exhausted,
// txn_limit_exceeded, interrupted) are distinguishable from backend errors on
// every surface: as failure values in Go, as the error code in the HTTP JSON
// body, and as *client.APIError on the client side.
//
// # Running a server
//
//	cfg := sqlgate.Config{
//	    Listen: "127.0.0.1:9350",
//	    Datasources: []sqlgate.DatasourceConfig{
//	        {Name: "orders", Driver: "pgx", DSN: "postgres://app@db/orders"},
//	        {Name: "cache", Driver: "sqlite3", DSN: "file:cache.db", TotalSlots: 4},
//	    },
//	}
//	srv, err := sqlgate.NewServer(cfg, sqlgate.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("sqlgate: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// Datasource settings left at zero take the Default* constants: a breaker
// threshold of 3 failures with a 60s cooldown, 20 slots split 20% slow,
// a 10s idle window before lanes lend permits, 120s/60s slow/fast acquire
// timeouts and 50 concurrent XA branches. When no datasource is configured a
// shared in-memory sqlite database named "default" is used.
//
// For tests and embedding, StartServer runs the server in the background and
// returns once it accepts connections:
//
//	srv, stop, err := sqlgate.StartServer(ctx, sqlgate.Config{Listen: "127.0.0.1:0"})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//	cli, _ := client.New("http://" + srv.ListenerAddr().String())
//
// # Observability
//
// Setting Config.MetricsListen serves the OpenTelemetry instruments of every
// subsystem on a Prometheus /metrics endpoint; Config.OTLPEndpoint enables
// tracing over OTLP (grpc://, grpcs://, http:// or https://). Each datasource
// snapshot is also available from GET /v1/stats and is logged as
// sqlgate.stats.sample every Config.StatsLogInterval.
package sqlgate
