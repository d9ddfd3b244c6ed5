package log

// Config contains logging configuration values
type Config struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}
