package apiconfig

import (
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"

	"pouw-captcha/logging"
)

const (
	ConfigPathEnv = "POUW_CONFIG_PATH"
	EnvPrefix     = "POUW_"
)

type ConfigManager struct {
	currentConfig  Config
	KoanProvider   koanf.Provider
	WriterProvider WriteCloserProvider
	mutex          sync.Mutex
}

type WriteCloserProvider interface {
	GetWriter() (WriteCloser, error)
}

type WriteCloser interface {
	Write([]byte) (int, error)
	Close() error
}

func LoadDefaultConfigManager() (*ConfigManager, error) {
	return LoadConfigManager(getConfigPath())
}

// LoadConfigManager reads path. A missing file leaves the defaults and
// environment overrides in place.
func LoadConfigManager(path string) (*ConfigManager, error) {
	manager := &ConfigManager{WriterProvider: NewFileWriteCloserProvider(path)}
	if _, err := os.Stat(path); err == nil {
		manager.KoanProvider = file.Provider(path)
	} else {
		logging.Warn("Config file not found, using defaults", logging.Config, "path", path)
	}
	if err := manager.Load(); err != nil {
		return nil, err
	}
	return manager, nil
}

func (cm *ConfigManager) Load() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	config, err := readConfig(cm.KoanProvider)
	if err != nil {
		return err
	}
	cm.currentConfig = config
	return nil
}

func (cm *ConfigManager) Write() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if cm.WriterProvider == nil {
		return errors.New("config manager has no writer")
	}
	writer, err := cm.WriterProvider.GetWriter()
	if err != nil {
		return err
	}
	defer writer.Close()
	return writeConfig(cm.currentConfig, writer)
}

// GetConfig returns a copy of the current configuration.
func (cm *ConfigManager) GetConfig() Config {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return cm.currentConfig
}

func (cm *ConfigManager) SetDefaultModel(name string) error {
	cm.mutex.Lock()
	cm.currentConfig.Models.DefaultModel = name
	cm.mutex.Unlock()
	logging.Info("Setting default model", logging.Config, "model", name)
	return cm.Write()
}

func getConfigPath() string {
	configPath := os.Getenv(ConfigPathEnv)
	if configPath == "" {
		configPath = "config.yaml"
	}
	return configPath
}

type FileWriteCloserProvider struct {
	path string
}

func NewFileWriteCloserProvider(path string) *FileWriteCloserProvider {
	return &FileWriteCloserProvider{path: path}
}

func (f *FileWriteCloserProvider) GetWriter() (WriteCloser, error) {
	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open config file %s", f.path)
	}
	return file, nil
}

// readConfig layers the defaults, then provider (when set), then POUW_
// environment variables. A double underscore in a variable name separates
// sections: POUW_GROUND_TRUTH__DIR sets ground_truth.dir.
func readConfig(provider koanf.Provider) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return Config{}, errors.Wrap(err, "load defaults")
	}
	if provider != nil {
		if err := k.Load(provider, yaml.Parser()); err != nil {
			return Config{}, errors.Wrap(err, "load config")
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil)
	if err != nil {
		return Config{}, errors.Wrap(err, "load env")
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	return config, nil
}

func writeConfig(config Config, writer WriteCloser) error {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(config, "koanf"), nil); err != nil {
		logging.Error("error loading config", logging.Config, "error", err)
		return err
	}
	output, err := k.Marshal(yaml.Parser())
	if err != nil {
		logging.Error("error marshalling config", logging.Config, "error", err)
		return err
	}
	if _, err = writer.Write(output); err != nil {
		logging.Error("error writing config", logging.Config, "error", err)
		return err
	}
	return nil
}
