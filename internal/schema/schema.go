// Package schema provides the shared constants and operating system
// indirections used across the helperd packages.
package schema

const (
	// BootCachesPath is the volume-relative path of the descriptor file.
	BootCachesPath = "/usr/standalone/bootcaches.plist"

	// StampCacheDir is the volume-relative bootstamp directory, holding
	// one subdirectory per volume UUID.
	StampCacheDir = "/System/Library/Caches/com.apple.bootstamps/"

	// StampDirMask is the creation mode for bootstamp directories.
	StampDirMask = 0o755

	// RPSDirMask is the creation mode for helper RPS directories.
	RPSDirMask = 0o755
)

// Helper-partition directory rotation ("rock", "paper", "scissors").
const (
	BootDirR = "com.apple.boot.R"
	BootDirP = "com.apple.boot.P"
	BootDirS = "com.apple.boot.S"
)

const (
	// RootUUIDKey is the boot configuration key receiving the host
	// volume UUID during RPS staging.
	RootUUIDKey = "Root UUID"
)

// ExitTempFail is the exit status by which a cache builder signals "not
// done yet, no error to record" when releasing its volume lock.
const ExitTempFail = 75
