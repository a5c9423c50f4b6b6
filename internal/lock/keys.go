// Package lock coordinates inline cron executions with Postgres advisory locks.
package lock

// Advisory lock keys, one per inline job. Keep them unique: two jobs sharing a
// key would serialize against each other.
const (
	KeyBackgroundJobs   int64 = 0x0C40_0001
	KeySyncIntegrations int64 = 0x0C40_0002
	// KeyMigrations serializes schema migrations across processes booting together.
	KeyMigrations int64 = 0x0C40_00FF
)

var registry = map[string]int64{
	"background-jobs":   KeyBackgroundJobs,
	"sync-integrations": KeySyncIntegrations,
}

// KeyFor returns the advisory lock key registered for a cron job.
func KeyFor(job string) (int64, bool) {
	k, ok := registry[job]
	return k, ok
}
