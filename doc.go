// Package apiclient is the authenticated request core of the business portal:
// it owns the user session and turns every backend call into a typed result.
//
//   - Token store with optional encrypted "remember me" persistence (file / redis)
//   - Request signing: bearer token, client type and correlation id headers
//   - Single-flight token refresh: concurrent 401s collapse into one refresh call
//   - Error classification (unauthorized, forbidden, rate limited, server,
//     network, validation) with observable events for UI reactions
//   - Retries with capped exponential backoff for network / server failures
//   - Rate-limit cooldowns honouring Retry-After
//   - Bulk execution with per-item result aggregation
//   - Prometheus metrics and structured (zap) debug logging
//
// Typical usage:
//
//	store := apiclient.NewTokenStore(apiclient.WithPersister(persister, passphrase))
//	client := apiclient.New(
//	    apiclient.WithBaseURL("https://api.example.com"),
//	    apiclient.WithTokenStore(store),
//	    apiclient.WithMaxRetries(3),
//	)
//	unsubscribe := client.Events().Subscribe(apiclient.SubscriberFunc(func(ctx context.Context, e apiclient.Event) {
//	    if e.Type == apiclient.EventUnauthorized {
//	        // send the user back to the login screen
//	    }
//	}))
//	defer unsubscribe()
//	resp, err := client.Get(ctx, "/leads")
//
// Errors returned by Execute are *APIError values; use errors.Is with the
// Err* sentinels or errors.As to inspect the kind.
package apiclient
