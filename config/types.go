package config

// Log controls the daemon's structured logging output.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"Level"`
	// Format is json or text.
	Format string `toml:"Format"`
	// File routes output through a rotating log file when set; empty means
	// stderr.
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// RateLimit throttles gateway requests per client address.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Pauses lets an operator halt individual modules. Paused modules reject
// every mutating operation while reads stay available.
type Pauses struct {
	Lien   bool `toml:"Lien"`
	Market bool `toml:"Market"`
	Bank   bool `toml:"Bank"`
}

// IsPaused reports whether the named module is halted. It satisfies the
// engine pause view directly so the loaded config can be wired as-is.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case "lien":
		return p.Lien
	case "market":
		return p.Market
	case "bank":
		return p.Bank
	default:
		return false
	}
}
