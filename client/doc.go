// Package client is the Go SDK for the sqlgate HTTP API.
//
// Construct a client with New and run statements against a named
// datasource:
//
//	cli, err := client.New("http://127.0.0.1:9480", client.WithDatasource("orders"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cli.Query(ctx, "SELECT id, total FROM orders WHERE id = ?", 42)
//
// Errors returned by the server are *APIError values. Use ErrorCode to tell
// sqlgate protecting itself (circuit_open, capacity_exhausted,
// txn_limit_exceeded) apart from backend_error, and RetryAfterDuration for
// the server's back-off hint.
package client
