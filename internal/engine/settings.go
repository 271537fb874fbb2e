package engine

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// LoadSettings reads the optional engine settings file in any format viper
// understands. An empty path yields no settings.
func LoadSettings(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read engine settings %s", path)
	}
	return v.AllSettings(), nil
}
