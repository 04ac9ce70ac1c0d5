// Global lock server config.
package config

import "time"

// Name of the lock server.
const DBName = "doclock"

// Prompt printed by REPL.
const Prompt = DBName + "> "

// Port the server listens on unless configured otherwise.
const DefaultPort = 8335

// Number of buckets lock heads are sharded over.
const DefaultLockBuckets = 128

// Number of partitions intent locks are spread over.
const DefaultLockPartitions = 32

// How long a lock request waits when the caller sets no deadline.
const DefaultLockTimeout = 5 * time.Second

// How often unused lock heads are swept.
const DefaultCleanupInterval = time.Minute

// Name of the lock event journal.
const JournalFileName = "locks.journal"

// Prefix of environment variables overriding the configuration.
const EnvPrefix = "DOCLOCK"

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
