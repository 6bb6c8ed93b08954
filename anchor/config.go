package anchor

import "time"

// Config is the service configuration
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	WorldLock WorldLockConfig `yaml:"worldLock" json:"worldLock"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	HeadTopic     string `yaml:"headTopic,omitempty" json:"headTopic,omitempty"`       // Viewer pose input
	CommandTopic  string `yaml:"commandTopic,omitempty" json:"commandTopic,omitempty"` // Pin commands
}

// Store drivers
const (
	StoreJSON   = "json"
	StoreSQLite = "sqlite"
)

// StoreConfig selects where pins persist
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"` // json (default) or sqlite
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
}

// WorldLockConfig tunes the update session and the local engine
type WorldLockConfig struct {
	AutoLoad         *bool         `yaml:"autoLoad,omitempty" json:"autoLoad,omitempty"`
	AutoSave         *bool         `yaml:"autoSave,omitempty" json:"autoSave,omitempty"`
	AutoSaveInterval time.Duration `yaml:"autoSaveInterval,omitempty" json:"autoSaveInterval,omitempty"`
	AutoRefreeze     *bool         `yaml:"autoRefreeze,omitempty" json:"autoRefreeze,omitempty"`
	AutoMerge        *bool         `yaml:"autoMerge,omitempty" json:"autoMerge,omitempty"`
	NoPitchAndRoll   bool          `yaml:"noPitchAndRoll,omitempty" json:"noPitchAndRoll,omitempty"`
	TickInterval     time.Duration `yaml:"tickInterval,omitempty" json:"tickInterval,omitempty"`

	MinNewAnchorDistance float64 `yaml:"minNewAnchorDistance,omitempty" json:"minNewAnchorDistance,omitempty"` // meters
	MaxAnchorEdgeLength  float64 `yaml:"maxAnchorEdgeLength,omitempty" json:"maxAnchorEdgeLength,omitempty"`   // meters
	MaxLocalAnchors      int     `yaml:"maxLocalAnchors,omitempty" json:"maxLocalAnchors,omitempty"`           // 0 = unlimited
}

// HTTPConfig holds the HTTP listener settings
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// AutoLoadEnabled reports whether pins load at startup (default true)
func (c WorldLockConfig) AutoLoadEnabled() bool { return boolOr(c.AutoLoad, true) }

// AutoSaveEnabled reports whether changed pins save periodically (default true)
func (c WorldLockConfig) AutoSaveEnabled() bool { return boolOr(c.AutoSave, true) }

// AutoRefreezeEnabled reports whether indicated refreezes run (default true)
func (c WorldLockConfig) AutoRefreezeEnabled() bool { return boolOr(c.AutoRefreeze, true) }

// AutoMergeEnabled reports whether indicated merges run (default true)
func (c WorldLockConfig) AutoMergeEnabled() bool { return boolOr(c.AutoMerge, true) }

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = "worldlock"
	}
	if c.MQTT.HeadTopic == "" {
		c.MQTT.HeadTopic = c.MQTT.PublishPrefix + "/head"
	}
	if c.MQTT.CommandTopic == "" {
		c.MQTT.CommandTopic = c.MQTT.PublishPrefix + "/command"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = StoreJSON
	}
	if c.Store.Path == "" {
		if c.Store.Driver == StoreSQLite {
			c.Store.Path = "data/pins.db"
		} else {
			c.Store.Path = "data/pins.json"
		}
	}

	wl := &c.WorldLock
	if wl.AutoSaveInterval <= 0 {
		wl.AutoSaveInterval = 30 * time.Second
	}
	if wl.TickInterval <= 0 {
		wl.TickInterval = 50 * time.Millisecond
	}
	if wl.MinNewAnchorDistance <= 0 {
		wl.MinNewAnchorDistance = 1.0
	}
	if wl.MaxAnchorEdgeLength <= 0 {
		wl.MaxAnchorEdgeLength = 1.2
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
}
