package tcl

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	infiniteLiteral = "infinite"

	// DefaultSweepInterval is how often the eviction sweeper runs when SweepInterval is unset.
	DefaultSweepInterval = 5 * time.Second

	// DefaultConnectionTimeToLive is the idle lifetime used by DefaultPoolConfig.
	DefaultConnectionTimeToLive = 60 * time.Second
)

// LiteSeasoning represents the configuration values.
type LiteSeasoning struct {
	PoolConfig        *PoolConfig        `json:"PoolConfig" yaml:"PoolConfig"`
	NotifierConfig    *NotifierConfig    `json:"NotifierConfig" yaml:"NotifierConfig"`
	CompressionConfig *CompressionConfig `json:"CompressionConfig" yaml:"CompressionConfig"`
	EncryptionConfig  *EncryptionConfig  `json:"EncryptionConfig" yaml:"EncryptionConfig"`
}

// PoolConfig represents settings for creating/configuring the ConnectionPool.
type PoolConfig struct {
	Path                     string        `json:"Path" yaml:"Path"`
	OpenFlags                []string      `json:"OpenFlags" yaml:"OpenFlags"` // names understood by ParseOpenFlags
	ShouldCacheStatements    bool          `json:"ShouldCacheStatements" yaml:"ShouldCacheStatements"`
	MinimumCachedConnections MinimumCached `json:"MinimumCachedConnections" yaml:"MinimumCachedConnections"`
	ConnectionTimeToLive     TimeToLive    `json:"ConnectionTimeToLive" yaml:"ConnectionTimeToLive"`
	SharedCacheModeEnabled   bool          `json:"SharedCacheModeEnabled" yaml:"SharedCacheModeEnabled"`
	SweepInterval            Duration      `json:"SweepInterval" yaml:"SweepInterval"`
	Pragmas                  []string      `json:"Pragmas" yaml:"Pragmas"` // run on every new connection

	Logger            *zap.Logger           `json:"-" yaml:"-"`
	MetricsRegisterer prometheus.Registerer `json:"-" yaml:"-"`
}

// NotifierConfig represents settings for broadcasting corruption events over AMQP.
type NotifierConfig struct {
	Enabled      bool   `json:"Enabled" yaml:"Enabled"`
	URI          string `json:"URI" yaml:"URI"`
	ExchangeName string `json:"ExchangeName" yaml:"ExchangeName"`
	RoutingKey   string `json:"RoutingKey" yaml:"RoutingKey"`
	Mandatory    bool   `json:"Mandatory" yaml:"Mandatory"`
	WrapPayload  bool   `json:"WrapPayload" yaml:"WrapPayload"`
}

// CompressionConfig allows you to configure compression of notifier payloads.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty"`
}

// EncryptionConfig allows you to configure symmetric key encryption of notifier payloads.
type EncryptionConfig struct {
	Enabled           bool   `json:"Enabled" yaml:"Enabled"`
	Type              string `json:"Type,omitempty" yaml:"Type,omitempty"`
	Hashkey           []byte `json:"-" yaml:"-"`
	TimeConsideration uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty"`
	MemoryMultiplier  uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty"`
	Threads           uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty"`
}

// DefaultPoolConfig returns a PoolConfig for path with statement caching on, a floor of one
// cached connection, a one minute idle lifetime, and a five second busy timeout.
func DefaultPoolConfig(path string) *PoolConfig {
	return &PoolConfig{
		Path:                     path,
		OpenFlags:                []string{"readwrite", "create", "uri", "wal"},
		ShouldCacheStatements:    true,
		MinimumCachedConnections: CachedConnections(1),
		ConnectionTimeToLive:     ConnectionTimeToLive(DefaultConnectionTimeToLive),
		SweepInterval:            Duration(DefaultSweepInterval),
		Pragmas:                  []string{"busy_timeout=5000"},
	}
}

// Validate checks the config and fills in defaults for unset optional values.
func (pc *PoolConfig) Validate() error {
	if pc == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}

	if pc.Path == "" {
		return fmt.Errorf("%w: database path can't be empty", ErrInvalidConfig)
	}

	if !pc.MinimumCachedConnections.infinite && pc.MinimumCachedConnections.count < 0 {
		return fmt.Errorf("%w: minimum cached connections can't be negative", ErrInvalidConfig)
	}

	if !pc.ConnectionTimeToLive.infinite && pc.ConnectionTimeToLive.ttl < 0 {
		return fmt.Errorf("%w: connection time to live can't be negative", ErrInvalidConfig)
	}

	if _, err := ParseOpenFlags(pc.OpenFlags...); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}

	if pc.ConnectionTimeToLive.isUnset() {
		pc.ConnectionTimeToLive = ConnectionTimeToLive(DefaultConnectionTimeToLive)
	}

	if pc.SweepInterval <= 0 {
		pc.SweepInterval = Duration(DefaultSweepInterval)
	}

	return nil
}

// MinimumCached is the floor below which the sweeper will not shrink the pool.
// The zero value is a floor of zero.
type MinimumCached struct {
	count    int
	infinite bool
}

// InfiniteConnections disables the count based floor: caching is unbounded and the sweeper
// may evict every idle connection once it has outlived its time to live.
var InfiniteConnections = MinimumCached{infinite: true}

// CachedConnections returns a finite floor of n connections.
func CachedConnections(n int) MinimumCached {
	return MinimumCached{count: n}
}

// IsInfinite reports whether m is InfiniteConnections.
func (m MinimumCached) IsInfinite() bool {
	return m.infinite
}

// Floor returns the number of connections the sweeper must keep. InfiniteConnections has no floor.
func (m MinimumCached) Floor() int {
	if m.infinite || m.count < 0 {
		return 0
	}

	return m.count
}

func (m MinimumCached) String() string {
	if m.infinite {
		return infiniteLiteral
	}

	return strconv.Itoa(m.count)
}

// MarshalJSON writes the count or "infinite".
func (m MinimumCached) MarshalJSON() ([]byte, error) {
	if m.infinite {
		return []byte(strconv.Quote(infiniteLiteral)), nil
	}

	return []byte(strconv.Itoa(m.count)), nil
}

// UnmarshalJSON accepts a number, a numeric string, or "infinite".
func (m *MinimumCached) UnmarshalJSON(data []byte) error {
	var raw interface{}
	var json = jsoniter.ConfigFastest
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*m = MinimumCached{}
		return nil
	case float64:
		*m = CachedConnections(int(v))
		return nil
	case string:
		return m.parse(v)
	default:
		return fmt.Errorf("minimum cached connections: unsupported value %s", data)
	}
}

// MarshalYAML writes the count or "infinite".
func (m MinimumCached) MarshalYAML() (interface{}, error) {
	if m.infinite {
		return infiniteLiteral, nil
	}

	return m.count, nil
}

// UnmarshalYAML accepts a number or "infinite".
func (m *MinimumCached) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("minimum cached connections: expected a scalar at line %d", value.Line)
	}

	return m.parse(value.Value)
}

func (m *MinimumCached) parse(s string) error {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, infiniteLiteral) {
		*m = InfiniteConnections
		return nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("minimum cached connections: %w", err)
	}

	*m = CachedConnections(n)
	return nil
}

// TimeToLive is the maximum idle duration an available connection may sit before it can be evicted.
// The zero value is unset: Validate replaces it with DefaultConnectionTimeToLive, and so does a
// null in a config file. Use SetConnectionTimeToLive on a running pool to evict on every sweep.
type TimeToLive struct {
	ttl      time.Duration
	infinite bool
}

func (t TimeToLive) isUnset() bool {
	return !t.infinite && t.ttl == 0
}

// InfiniteTimeToLive disables age based eviction.
var InfiniteTimeToLive = TimeToLive{infinite: true}

// ConnectionTimeToLive returns a finite time to live.
func ConnectionTimeToLive(ttl time.Duration) TimeToLive {
	return TimeToLive{ttl: ttl}
}

// IsInfinite reports whether t is InfiniteTimeToLive.
func (t TimeToLive) IsInfinite() bool {
	return t.infinite
}

// Duration returns the finite time to live and false for InfiniteTimeToLive.
func (t TimeToLive) Duration() (time.Duration, bool) {
	if t.infinite {
		return 0, false
	}

	return t.ttl, true
}

// Expired reports whether a connection idle for idle has outlived t.
func (t TimeToLive) Expired(idle time.Duration) bool {
	if t.infinite {
		return false
	}

	return idle > t.ttl
}

func (t TimeToLive) String() string {
	if t.infinite {
		return infiniteLiteral
	}

	return t.ttl.String()
}

// MarshalJSON writes a duration string or "infinite".
func (t TimeToLive) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

// UnmarshalJSON accepts a duration string ("90s"), a number of seconds, or "infinite".
func (t *TimeToLive) UnmarshalJSON(data []byte) error {
	if isInfiniteJSON(data) {
		*t = InfiniteTimeToLive
		return nil
	}

	var d Duration
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("connection time to live: %w", err)
	}

	*t = ConnectionTimeToLive(time.Duration(d))
	return nil
}

// MarshalYAML writes a duration string or "infinite".
func (t TimeToLive) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// UnmarshalYAML accepts a duration string, a number of seconds, or "infinite".
func (t *TimeToLive) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && strings.EqualFold(strings.TrimSpace(value.Value), infiniteLiteral) {
		*t = InfiniteTimeToLive
		return nil
	}

	var d Duration
	if err := d.UnmarshalYAML(value); err != nil {
		return fmt.Errorf("connection time to live: %w", err)
	}

	*t = ConnectionTimeToLive(time.Duration(d))
	return nil
}

// Duration is a time.Duration that reads "1m30s" style strings or whole seconds from config files.
type Duration time.Duration

// MarshalJSON writes a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	var json = jsoniter.ConfigFastest
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*d = 0
		return nil
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		return d.parse(v)
	default:
		return fmt.Errorf("unsupported duration %s", data)
	}
}

// MarshalYAML writes a duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected a duration at line %d", value.Line)
	}

	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(parsed)
	return nil
}

func isInfiniteJSON(data []byte) bool {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	return strings.EqualFold(s, infiniteLiteral)
}
