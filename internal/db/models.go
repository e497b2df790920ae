package db

import (
	"database/sql/driver"
	"encoding/json"
)

// Metadata is a free-form JSONB key/value map, used by Camera.metadata and
// (via an error string) Camera's stuck-error annotation.
type Metadata map[string]interface{}

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	if len(bytes) == 0 {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(bytes, m)
}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// ChannelConfig is the opaque per-agent channel configuration (telegram
// bot token, webhook URL, ...).
type ChannelConfig map[string]interface{}

func (c *ChannelConfig) Scan(value interface{}) error {
	if value == nil {
		*c = ChannelConfig{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	if len(bytes) == 0 {
		*c = ChannelConfig{}
		return nil
	}
	return json.Unmarshal(bytes, c)
}

func (c ChannelConfig) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// ToolList is the ordered list of tool ids an agent is configured with.
type ToolList []string

func (t *ToolList) Scan(value interface{}) error {
	if value == nil {
		*t = ToolList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	if len(bytes) == 0 {
		*t = ToolList{}
		return nil
	}
	return json.Unmarshal(bytes, t)
}

func (t ToolList) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(t)
}
