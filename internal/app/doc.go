// Package app wires the key server together and runs it.
//
// # Initialization Flow
//
//  1. Load configuration (defaults, YAML file, environment)
//  2. Initialize logging and OpenTelemetry
//  3. Open the storage backend and load the key table
//  4. Start the event hub and build the services
//  5. Set up the router, middleware and handlers
//  6. Create the HTTP server
//
// # Graceful Shutdown
//
// Run stops on SIGINT, SIGTERM or when its context is cancelled. Shutdown
// drains in-flight requests, closes WebSocket subscribers, flushes
// telemetry and closes the storage backend, in that order.
//
// The app does not call os.Exit; errors are returned to main.
package app
