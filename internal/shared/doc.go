// Package shared holds code used across layers of the key server that
// belongs to no single domain package.
//
// testutil provides log capture and key table fixtures for tests.
package shared
