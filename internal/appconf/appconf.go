// Package appconf holds application-level environment configuration shared
// across packages without creating import cycles.
package appconf

// Environment identifies the runtime environment the pipeline runs in.
type Environment int

const (
	Development Environment = iota
	Test
	Production
)

// EnvFromString maps an environment name to an Environment value.
// Unknown names fall back to Development.
func EnvFromString(s string) Environment {
	switch s {
	case "production":
		return Production
	case "test":
		return Test
	default:
		return Development
	}
}

// String returns the canonical lowercase name of the environment.
func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Test:
		return "test"
	default:
		return "development"
	}
}

// Config holds application-scoped settings that do not belong to a
// single engine.
type Config struct {
	Port      int
	Env       Environment
	Verbose   bool
	ApiKeys   []string
	RateLimit int
}
