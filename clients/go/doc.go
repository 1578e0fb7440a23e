// Package iotguardgo is the authenticated API gateway client for the IoT
// security API.
//
// Every request made through a Client carries the current access token. When
// the server answers 401 the client renews the access token with the refresh
// token once, replays the request, and hands the caller the replay's response;
// the caller never sees the expiry. When renewal is impossible the session is
// cleared and the original 401 is returned.
//
// # Basic Usage
//
//	store := session.NewStore()
//	client := iotguardgo.NewClient("https://api.iotguard.localhost", store)
//
//	if _, err := client.Login(ctx, "username", "password"); err != nil {
//		log.Fatal(err)
//	}
//
//	zones, err := client.List(ctx, "zones", nil)
//
// # Configuration Options
//
//	client := iotguardgo.NewClient(baseURL, store,
//		iotguardgo.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
//		iotguardgo.WithLogger(logger),
//		iotguardgo.WithAuditor(auditLogger),
//		iotguardgo.WithMetrics(iotguardgo.NewMetrics(prometheus.DefaultRegisterer)),
//	)
//
// # Error Handling
//
//	if _, err := client.Me(ctx); err != nil {
//		switch {
//		case errors.Is(err, iotguardgo.ErrSessionEnded):
//			// Renewal failed and the session is already cleared.
//		case iotguardgo.IsNetworkError(err):
//			// No response arrived.
//		}
//	}
//
// # Concurrency
//
// Client is safe for concurrent use. If many requests fail with 401 at once
// only one renewal call is made; the others wait for its outcome.
package iotguardgo
