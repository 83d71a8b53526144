package redis

const (
	keyPrefix = "livecast:"

	liveStatusKey     = keyPrefix + "live_status"
	liveStatusChannel = keyPrefix + "live_status:updates"
	schemaVersionKey  = keyPrefix + "schema:version"
	broadcastLeaseKey = keyPrefix + "broadcast:lease"
	migrationLockKey  = keyPrefix + "schema:lock"
)
