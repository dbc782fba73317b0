package qpid

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// recognisedOptions is the exact connection option set this engine
// understands. Anything else fails closed with InvalidOption.
var recognisedOptions = map[string]bool{
	"reconnect":                     true,
	"reconnect-timeout":             true,
	"reconnect-limit":               true,
	"reconnect-interval-min":        true,
	"reconnect-interval-max":        true,
	"reconnect-urls":                true,
	"reconnect-urls-replace":        true,
	"username":                      true,
	"password":                      true,
	"sasl-mechanism":                true,
	"sasl-mechanisms":               true,
	"sasl-service":                  true,
	"sasl-min-ssf":                  true,
	"sasl-max-ssf":                  true,
	"heartbeat":                     true,
	"tcp-nodelay":                   true,
	"locale":                        true,
	"max-channels":                  true,
	"max-frame-size":                true,
	"bounds":                        true,
	"transport":                     true,
	"ssl-cert-name":                 true,
	"x-reconnect-on-limit-exceeded": true,
}

// ClientOptions holds the recognised connection options, decoded from
// whatever key/value map the caller built its connection string or config
// file into. Persisted state is explicitly out of scope: ReconnectTimeout
// is never stored across restarts, and Bounds/Transport/SslCertName are
// accepted but otherwise advisory at this layer.
type ClientOptions struct {
	Reconnect               bool          `mapstructure:"reconnect"`
	ReconnectTimeout        time.Duration `mapstructure:"reconnect-timeout"`
	ReconnectLimit          int           `mapstructure:"reconnect-limit"`
	ReconnectIntervalMin    time.Duration `mapstructure:"reconnect-interval-min"`
	ReconnectIntervalMax    time.Duration `mapstructure:"reconnect-interval-max"`
	ReconnectURLs           []string      `mapstructure:"reconnect-urls"`
	ReconnectURLsReplace    bool          `mapstructure:"reconnect-urls-replace"`
	Username                string        `mapstructure:"username"`
	Password                string        `mapstructure:"password"`
	SaslMechanisms          []string      `mapstructure:"sasl-mechanisms"`
	SaslService             string        `mapstructure:"sasl-service"`
	SaslMinSsf              int           `mapstructure:"sasl-min-ssf"`
	SaslMaxSsf              int           `mapstructure:"sasl-max-ssf"`
	Heartbeat               time.Duration `mapstructure:"heartbeat"`
	TCPNoDelay              bool          `mapstructure:"tcp-nodelay"`
	Locale                  string        `mapstructure:"locale"`
	MaxChannels             uint16        `mapstructure:"max-channels"`
	MaxFrameSize            uint32        `mapstructure:"max-frame-size"`
	Bounds                  int           `mapstructure:"bounds"`
	Transport               string        `mapstructure:"transport"`
	SslCertName             string        `mapstructure:"ssl-cert-name"`
	ReconnectOnLimitExceeded bool         `mapstructure:"x-reconnect-on-limit-exceeded"`
}

// ParseClientOptions validates raw against the recognised option set and
// decodes it into a ClientOptions. Any key not in recognisedOptions fails
// closed with InvalidOption rather than being silently dropped.
func ParseClientOptions(raw map[string]any) (*ClientOptions, error) {
	for key := range raw {
		if !recognisedOptions[key] {
			return nil, &InvalidOption{Key: key}
		}
	}

	v := viper.New()
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("amqp: decoding client options: %w", err)
	}

	opts := defaultClientOptions()
	if err := v.Unmarshal(opts); err != nil {
		return nil, fmt.Errorf("amqp: decoding client options: %w", err)
	}

	// reconnect-timeout is explicitly not persisted across restarts; the
	// caller is expected to supply it fresh on every connection attempt,
	// but we never carry a nonzero default forward ourselves.
	return opts, nil
}

func defaultClientOptions() *ClientOptions {
	return &ClientOptions{
		ReconnectLimit:       0, // 0 = unlimited attempts
		ReconnectIntervalMin: 100 * time.Millisecond,
		ReconnectIntervalMax: 30 * time.Second,
		SaslMechanisms:       SupportedMechanisms,
		Locale:               "en_US",
		MaxChannels:          0xFFFF,
		MaxFrameSize:         65536,
	}
}
