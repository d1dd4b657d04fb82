package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configFlagName = "config"

func addConfigFlag(basename string, fs *pflag.FlagSet) {
	fs.StringP(configFlagName, "c", "", fmt.Sprintf("Read configuration from the specified file. "+
		"Without it, %s.yaml is looked up in /etc/%s, $HOME/.%s and the working directory.", basename, basename, basename))
}

// loadConfig reads the file named by --config, or the first <basename>.yaml
// found in the search path. A missing implicit file is not an error.
func loadConfig(v *viper.Viper, basename string, fs *pflag.FlagSet) error {
	var explicit string
	if f := fs.Lookup(configFlagName); f != nil {
		explicit = f.Value.String()
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(basename)
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join("/etc", basename))
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+basename))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read configuration file: %w", err)
	}
	return nil
}
