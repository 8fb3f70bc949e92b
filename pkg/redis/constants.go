package redis

// Namespaces and context used to build this service's two key prefixes:
// the session status cache (cmd/server wires these through Provider into
// CachingRepository) and the pipeline job queue. The teacher's wider
// namespace/context/TTL tables (auth, referral, i18n, rate limiting, ...)
// name concerns this service has no equivalent of and were dropped rather
// than kept unreferenced.
const (
	NamespaceCache = "cache"
	NamespaceQueue = "queue"

	ContextSession = "session"
)
