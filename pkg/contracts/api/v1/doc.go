// Package api contains the HTTP contract of the key server.
// Field names and shapes match what existing clients already parse.
package api
