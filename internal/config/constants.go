package config

// Application constants
const (
	AppName = "keyserver"

	DefaultPort         = 5000
	DefaultDatabaseFile = "database.json"
	DefaultMonths       = 1
	DefaultSuspendHours = 24
	DefaultMessage      = "Key activation server"
)
