package engine

import "github.com/bigbag/cannuccia-flasher/internal/log"

// Config holds engine construction options. CANBackend and CANInterface
// are required; everything else has a usable default.
type Config struct {
	// CANBackend selects the registered canbus driver (e.g. "socketcan",
	// "slcan", "wsbridge").
	CANBackend string

	// CANInterface is the driver-specific target: an interface name for
	// socketcan, a serial device path for slcan, a ws(s):// URL for
	// wsbridge.
	CANInterface string

	// Logger receives Debug/Info/Warn/Error calls from the engine, Comms,
	// and every Operation. Defaults to a no-op sink.
	Logger log.Logger

	// DeviceCachePath, if set, persists last-known DeviceStats across
	// runs. Empty disables the cache.
	DeviceCachePath string
}

func defaultConfig() Config {
	return Config{Logger: log.Nop{}}
}

// Option configures a Config passed to New.
type Option func(*Config)

// WithBackend selects the canbus driver by name.
func WithBackend(name string) Option {
	return func(c *Config) { c.CANBackend = name }
}

// WithInterface sets the driver-specific target string.
func WithInterface(iface string) Option {
	return func(c *Config) { c.CANInterface = iface }
}

// WithLogger sets the engine-wide logging sink.
func WithLogger(logger log.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithDeviceCachePath enables the on-disk device cache at path.
func WithDeviceCachePath(path string) Option {
	return func(c *Config) { c.DeviceCachePath = path }
}
