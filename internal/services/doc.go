// Package services implements the business logic layer of the key server.
// It sits between the HTTP handlers and the key store so handlers never
// touch keystore types directly.
//
// # Service Layer Responsibilities
//
//   - Input defaults are applied by callers; services pass durations through
//   - Every operation runs in its own span and is counted in key_operations_total
//   - Committed transitions are published as events after the store returns
//   - Keystore records are converted to the wire DTOs in pkg/contracts/api/v1
//
// # Error Handling
//
// Keystore sentinel errors (ErrInvalidKey, ErrInvalidDuration,
// ErrPersistence) pass through wrapped so the HTTP error handler can match
// them with errors.Is. An unknown key is never an error.
//
// # Usage Example
//
//	svc, err := services.NewKeyService(store, logger,
//	    services.WithTelemetry(providers),
//	    services.WithPublisher(hub),
//	)
//	resp, err := svc.Activate(ctx, "abc123", 3)
package services
