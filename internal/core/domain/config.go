package domain

import "time"

const (
	// DefaultConcurrency is the default width of the fetch and install pool.
	DefaultConcurrency = 20

	// DefaultRetries is the default number of download attempts after the first.
	DefaultRetries = 3

	// DefaultLockTimeout bounds how long an operation waits for a lock.
	DefaultLockTimeout = 2 * time.Minute

	// DefaultRegistryURL is the formula JSON API.
	DefaultRegistryURL = "https://formulae.brew.sh/api/formula"
)

// Strategy names for placing files into a cellar entry.
const (
	StrategyAuto     = "auto"
	StrategyClone    = "clone"
	StrategyHardlink = "hardlink"
	StrategyCopy     = "copy"
)

// Config is the resolved engine configuration.
type Config struct {
	Layout      Layout
	Concurrency int
	Retries     int
	LockTimeout time.Duration
	RegistryURL string
	Mirrors     []string
	Strategy    string
	// BuildCommand runs source builds. Source builds are disabled when empty.
	BuildCommand []string
	LogJSON      bool
}
