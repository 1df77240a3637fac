// Package api provides the HTTP surface of Conduit Core: the admin REST
// API, the Prometheus scrape endpoint, and the device WebSocket endpoint.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Reads go through the tiered cache; writes go straight to the router and
// registry. The API is a thin shell: no routing or registry logic lives
// here.
package api
