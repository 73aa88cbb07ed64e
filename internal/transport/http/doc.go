// Package http implements the HTTP handlers of the key server.
// Handlers are thin: they bind and validate the request, apply the
// configured defaults, call the service and render the result.
//
// # Request Flow
//
//	HTTP Request → Chi Router → Middleware → Handler → KeyService → keystore.Store
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// # Error Handling
//
// Every error goes through errors.ErrorHandler and is written as RFC 7807
// problem+json. An unknown key is not an error: the key endpoints answer
// 200 with found or success set to false.
//
// # Routes
//
//	GET  /                 server status and greeting
//	GET  /check/{key}      key status
//	POST /activate         {key, months}
//	POST /deactivate       {key}
//	POST /suspend          {key, hours}
//	POST /resume           {key}
//	GET  /stats            key counts
//	GET  /health/live      liveness
//	GET  /health/ready     readiness, pings the storage backend
//	GET  /version          build information
//	GET  /metrics          Prometheus exposition
//	GET  /events           key event WebSocket
package http
