package cfg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"donor-insights/internal/common"
	"donor-insights/internal/ml"
)

const (
	defaultRetrainInterval = 24 * time.Hour
	defaultTrainTimeout    = 10 * time.Minute
)

type Settings struct {
	DataPath        string
	Store           string
	DatabaseURL     string
	APIPort         int
	RetrainInterval time.Duration // 0 disables periodic retraining
	TrainTimeout    time.Duration
	ModelsDir       string
	LogLevel        string
	LogFormat       string
	Engine          ml.EngineConfig
}

type ConfigFile struct {
	Storage struct {
		Backend     string `yaml:"backend"`
		DataPath    string `yaml:"dataPath"`
		DatabaseURL string `yaml:"databaseURL"`
	} `yaml:"storage"`

	API struct {
		Port int `yaml:"port"`
	} `yaml:"api"`

	Training struct {
		RetrainInterval string `yaml:"retrainInterval"`
		Timeout         string `yaml:"timeout"`
		ModelsDir       string `yaml:"modelsDir"`
	} `yaml:"training"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Engine ml.EngineConfig `yaml:"engine"`
}

func Load() (Settings, error) {
	// Try to load from YAML file first
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		return loadFromYAML(configPath)
	}

	// Fallback to environment variables
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	config.Engine = ml.DefaultEngineConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	retrain := defaultRetrainInterval
	if config.Training.RetrainInterval != "" {
		retrain, err = time.ParseDuration(config.Training.RetrainInterval)
		if err != nil {
			return Settings{}, fmt.Errorf("invalid retrain interval %q: %w", config.Training.RetrainInterval, err)
		}
	}

	timeout, err := time.ParseDuration(config.Training.Timeout)
	if err != nil {
		timeout = defaultTrainTimeout
	}

	settings := Settings{
		DataPath:        orDefault(config.Storage.DataPath, common.DefaultDataPath),
		Store:           orDefault(config.Storage.Backend, common.DefaultStore),
		DatabaseURL:     config.Storage.DatabaseURL,
		APIPort:         config.API.Port,
		RetrainInterval: retrain,
		TrainTimeout:    timeout,
		ModelsDir:       orDefault(config.Training.ModelsDir, common.DefaultModelsDir),
		LogLevel:        orDefault(config.Logging.Level, common.DefaultLogLevel),
		LogFormat:       orDefault(config.Logging.Format, common.DefaultLogFormat),
		Engine:          config.Engine,
	}
	if settings.APIPort == 0 {
		settings.APIPort = common.DefaultAPIPort
	}

	// Override with environment variables if they exist
	applyEnvOverrides(&settings)

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

func loadFromEnv() (Settings, error) {
	settings := Settings{
		DataPath:        common.DefaultDataPath,
		Store:           common.DefaultStore,
		APIPort:         common.DefaultAPIPort,
		RetrainInterval: defaultRetrainInterval,
		TrainTimeout:    defaultTrainTimeout,
		ModelsDir:       common.DefaultModelsDir,
		LogLevel:        common.DefaultLogLevel,
		LogFormat:       common.DefaultLogFormat,
		Engine:          ml.DefaultEngineConfig(),
	}

	applyEnvOverrides(&settings)

	// Validate configuration
	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// applyEnvOverrides replaces every setting whose environment variable is set
// and parses.
func applyEnvOverrides(s *Settings) {
	s.DataPath = getEnvOrDefault(common.EnvDataPath, s.DataPath)
	s.Store = getEnvOrDefault(common.EnvStore, s.Store)
	s.DatabaseURL = getEnvOrDefault(common.EnvDatabaseURL, s.DatabaseURL)
	s.APIPort = getIntOrDefault(common.EnvAPIPort, s.APIPort)
	s.RetrainInterval = getDurationOrDefault(common.EnvRetrainInterval, s.RetrainInterval)
	s.TrainTimeout = getDurationOrDefault(common.EnvTrainTimeout, s.TrainTimeout)
	s.ModelsDir = getEnvOrDefault(common.EnvModelsDir, s.ModelsDir)
	s.LogLevel = getEnvOrDefault(common.EnvLogLevel, s.LogLevel)
	s.LogFormat = getEnvOrDefault(common.EnvLogFormat, s.LogFormat)

	e := &s.Engine
	e.ForecastHorizon = getIntOrDefault(common.EnvForecastHorizon, e.ForecastHorizon)
	e.SeasonalityPeriod = getIntOrDefault(common.EnvSeasonalityPeriod, e.SeasonalityPeriod)
	e.EnsembleTarget = getEnvOrDefault(common.EnvEnsembleTarget, e.EnsembleTarget)
	e.Seed = getInt64OrDefault(common.EnvRandomSeed, e.Seed)
	e.Parallelism = getIntOrDefault(common.EnvTrainParallelism, e.Parallelism)

	e.GBMDepthWise.Iterations = getIntOrDefault(common.EnvGBMIterations, e.GBMDepthWise.Iterations)
	e.GBMLeafWise.Iterations = getIntOrDefault(common.EnvGBMIterations, e.GBMLeafWise.Iterations)
	e.GBMDepthWise.LearningRate = getFloatOrDefault(common.EnvGBMLearningRate, e.GBMDepthWise.LearningRate)
	e.GBMLeafWise.LearningRate = getFloatOrDefault(common.EnvGBMLearningRate, e.GBMLeafWise.LearningRate)
	e.GBMDepthWise.MaxDepth = getIntOrDefault(common.EnvGBMMaxDepth, e.GBMDepthWise.MaxDepth)
	e.GBMLeafWise.MaxLeaves = getIntOrDefault(common.EnvGBMMaxLeaves, e.GBMLeafWise.MaxLeaves)

	e.Forest.Trees = getIntOrDefault(common.EnvForestTrees, e.Forest.Trees)
	e.AdaBoost.Estimators = getIntOrDefault(common.EnvAdaBoostEstimators, e.AdaBoost.Estimators)
	e.Risk.Hidden = getIntOrDefault(common.EnvMLPHidden, e.Risk.Hidden)
	e.Risk.Epochs = getIntOrDefault(common.EnvMLPEpochs, e.Risk.Epochs)
	e.Forecaster.Hidden = getIntOrDefault(common.EnvRNNHidden, e.Forecaster.Hidden)
	e.Forecaster.Window = getIntOrDefault(common.EnvRNNWindow, e.Forecaster.Window)
	e.Forecaster.Epochs = getIntOrDefault(common.EnvRNNEpochs, e.Forecaster.Epochs)
}

// ZerologLevel returns the parsed log level. Settings from Load are already
// validated, so the error only fires for hand-built values.
func (s *Settings) ZerologLevel() (zerolog.Level, error) {
	return zerolog.ParseLevel(s.LogLevel)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64OrDefault(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// validateSettings performs comprehensive validation of configuration values
func validateSettings(settings *Settings) error {
	// Validate storage
	switch settings.Store {
	case common.StoreBolt:
		if settings.DataPath == "" {
			return errors.New(common.ErrMsgDataPathRequired)
		}
	case common.StorePostgres:
		if settings.DatabaseURL == "" {
			return errors.New(common.ErrMsgDatabaseURLRequired)
		}
	default:
		return fmt.Errorf("store must be %q or %q, got %q", common.StoreBolt, common.StorePostgres, settings.Store)
	}
	if settings.ModelsDir == "" {
		return fmt.Errorf("models directory cannot be empty")
	}

	if settings.APIPort < common.MinAPIPort || settings.APIPort > common.MaxAPIPort {
		return fmt.Errorf("API port must be between %d and %d, got %d", common.MinAPIPort, common.MaxAPIPort, settings.APIPort)
	}

	// Validate time durations
	if settings.RetrainInterval != 0 && settings.RetrainInterval < time.Minute {
		return fmt.Errorf("retrain interval must be 0 (disabled) or at least 1m, got %v", settings.RetrainInterval)
	}
	if settings.TrainTimeout < time.Second || settings.TrainTimeout > 2*time.Hour {
		return fmt.Errorf("train timeout must be between 1s and 2h, got %v", settings.TrainTimeout)
	}

	// Validate logging
	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil || settings.LogLevel == "" {
		return fmt.Errorf("invalid log level %q", settings.LogLevel)
	}
	if settings.LogFormat != common.LogFormatJSON && settings.LogFormat != common.LogFormatConsole {
		return fmt.Errorf("log format must be %q or %q, got %q", common.LogFormatJSON, common.LogFormatConsole, settings.LogFormat)
	}

	return validateEngine(&settings.Engine)
}

func validateEngine(e *ml.EngineConfig) error {
	if e.ForecastHorizon < 1 || e.ForecastHorizon > common.MaxForecastHorizon {
		return fmt.Errorf("forecast horizon must be between 1 and %d, got %d", common.MaxForecastHorizon, e.ForecastHorizon)
	}
	if e.SeasonalityPeriod < 1 || e.SeasonalityPeriod > common.MaxSeasonalityPeriod {
		return fmt.Errorf("seasonality period must be between 1 and %d, got %d", common.MaxSeasonalityPeriod, e.SeasonalityPeriod)
	}
	if e.EnsembleTarget != ml.TargetAverageAmount && e.EnsembleTarget != ml.TargetLifetimeValue {
		return fmt.Errorf("ensemble target must be %q or %q, got %q", ml.TargetAverageAmount, ml.TargetLifetimeValue, e.EnsembleTarget)
	}
	if e.Parallelism < 0 {
		return fmt.Errorf("training parallelism cannot be negative, got %d", e.Parallelism)
	}

	gbms := []struct {
		name string
		cfg  ml.GBMConfig
	}{
		{"lifetime value", e.LifetimeValue},
		{"depth-wise GBM", e.GBMDepthWise},
		{"leaf-wise GBM", e.GBMLeafWise},
	}
	for _, gbm := range gbms {
		name, g := gbm.name, gbm.cfg
		if g.Iterations < 1 || g.Iterations > common.MaxBoostingIterations {
			return fmt.Errorf("%s: iterations must be between 1 and %d, got %d", name, common.MaxBoostingIterations, g.Iterations)
		}
		if g.LearningRate <= 0 || g.LearningRate > 1 {
			return fmt.Errorf("%s: learning rate must be in (0, 1], got %f", name, g.LearningRate)
		}
		if g.MaxDepth < 0 || g.MaxDepth > common.MaxTreeDepth {
			return fmt.Errorf("%s: max depth must be between 0 and %d, got %d", name, common.MaxTreeDepth, g.MaxDepth)
		}
		if g.LeafWise && (g.MaxLeaves < 2 || g.MaxLeaves > common.MaxLeaves) {
			return fmt.Errorf("%s: max leaves must be between 2 and %d, got %d", name, common.MaxLeaves, g.MaxLeaves)
		}
	}

	if e.Forest.Trees < 1 || e.Forest.Trees > common.MaxEnsembleMembers {
		return fmt.Errorf("forest trees must be between 1 and %d, got %d", common.MaxEnsembleMembers, e.Forest.Trees)
	}
	if e.AdaBoost.Estimators < 1 || e.AdaBoost.Estimators > common.MaxEnsembleMembers {
		return fmt.Errorf("AdaBoost estimators must be between 1 and %d, got %d", common.MaxEnsembleMembers, e.AdaBoost.Estimators)
	}
	if e.Risk.Hidden < 1 || e.Risk.Hidden > common.MaxHiddenUnits {
		return fmt.Errorf("MLP hidden units must be between 1 and %d, got %d", common.MaxHiddenUnits, e.Risk.Hidden)
	}
	if e.Risk.Epochs < 1 || e.Risk.Epochs > common.MaxEpochs {
		return fmt.Errorf("MLP epochs must be between 1 and %d, got %d", common.MaxEpochs, e.Risk.Epochs)
	}
	if e.Forecaster.Hidden < 1 || e.Forecaster.Hidden > common.MaxHiddenUnits {
		return fmt.Errorf("RNN hidden units must be between 1 and %d, got %d", common.MaxHiddenUnits, e.Forecaster.Hidden)
	}
	if e.Forecaster.Window < 1 || e.Forecaster.Window > common.MaxRNNWindow {
		return fmt.Errorf("RNN window must be between 1 and %d, got %d", common.MaxRNNWindow, e.Forecaster.Window)
	}
	if e.Forecaster.Epochs < 1 || e.Forecaster.Epochs > common.MaxEpochs {
		return fmt.Errorf("RNN epochs must be between 1 and %d, got %d", common.MaxEpochs, e.Forecaster.Epochs)
	}

	return nil
}
