// Package config loads the key server configuration.
//
// # Configuration Sources
//
// Values are resolved in this order, later sources winning:
//
//  1. Default()
//  2. config.yaml or configs/config.yaml in the working directory
//  3. PORT
//  4. KEYSERVER_* environment variables
//
// Nested sections map to underscored names:
//
//	KEYSERVER_SERVER_PORT=8081
//	KEYSERVER_STORAGE_BACKEND=sqlite
//	KEYSERVER_STORAGE_DATABASE_PATH=/var/lib/keyserver/database.json
//	KEYSERVER_STORAGE_SQLITE_PATH=/var/lib/keyserver/keys.db
//	KEYSERVER_KEYS_DEFAULT_MONTHS=1
//	KEYSERVER_LOGGING_LEVEL=debug
package config
