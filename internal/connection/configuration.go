package connection

import (
	"strconv"

	"github.com/google/uuid"
)

// Configuration is a stored connection: which provider owns it plus the
// provider-specific settings. Settings hold endpoints and options only,
// never secret values.
type Configuration struct {
	ID          string         `json:"id"`
	ProviderTag string         `json:"provider_tag"`
	Title       string         `json:"title"`
	Settings    map[string]any `json:"settings"`
}

func NewConfiguration(providerTag, title string, settings map[string]any) *Configuration {
	if settings == nil {
		settings = map[string]any{}
	}
	return &Configuration{
		ID:          uuid.NewString(),
		ProviderTag: providerTag,
		Title:       title,
		Settings:    settings,
	}
}

// GetString returns the named setting as a string, or "" when absent or not
// a string.
func (c *Configuration) GetString(key string) string {
	if v, ok := c.Settings[key].(string); ok {
		return v
	}
	return ""
}

// GetInt returns the named setting as an int. JSON decoding yields float64,
// manual construction may use int, string values are parsed.
func (c *Configuration) GetInt(key string) int {
	switch v := c.Settings[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func (c *Configuration) GetBool(key string) bool {
	switch v := c.Settings[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Clone returns a deep enough copy for handing to a provider: the settings
// map is copied so provider code cannot mutate stored state.
func (c *Configuration) Clone() *Configuration {
	settings := make(map[string]any, len(c.Settings))
	for k, v := range c.Settings {
		settings[k] = v
	}
	out := *c
	out.Settings = settings
	return &out
}
