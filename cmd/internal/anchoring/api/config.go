package api

const defaultMaxBodyBytes = 64 << 10 // 64 KiB

// Config controls anchoring API limits.
type Config struct {
	MaxBodyBytes int64
}

// DefaultConfig returns the API defaults.
func DefaultConfig() Config {
	return Config{MaxBodyBytes: defaultMaxBodyBytes}
}

func (c Config) normalized() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return c
}
