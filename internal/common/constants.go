package common

// Store backends
const (
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// Log output formats
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// Environment variable keys
const (
	EnvConfigFile      = "CONFIG_FILE"
	EnvDataPath        = "DATA_PATH"
	EnvStore           = "STORE"
	EnvDatabaseURL     = "DATABASE_URL"
	EnvAPIPort         = "API_PORT"
	EnvRetrainInterval = "RETRAIN_INTERVAL"
	EnvTrainTimeout    = "TRAIN_TIMEOUT"
	EnvModelsDir       = "MODELS_DIR"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvServerURL       = "DONOR_SERVER_URL"
)

// Model environment variable keys
const (
	EnvForecastHorizon    = "FORECAST_HORIZON"
	EnvSeasonalityPeriod  = "SEASONALITY_PERIOD"
	EnvEnsembleTarget     = "ENSEMBLE_TARGET"
	EnvRandomSeed         = "RANDOM_SEED"
	EnvTrainParallelism   = "TRAIN_PARALLELISM"
	EnvGBMIterations      = "GBM_ITERATIONS"
	EnvGBMMaxDepth        = "GBM_MAX_DEPTH"
	EnvGBMLearningRate    = "GBM_LEARNING_RATE"
	EnvGBMMaxLeaves       = "GBM_MAX_LEAVES"
	EnvForestTrees        = "FOREST_TREES"
	EnvAdaBoostEstimators = "ADABOOST_ESTIMATORS"
	EnvMLPHidden          = "MLP_HIDDEN"
	EnvMLPEpochs          = "MLP_EPOCHS"
	EnvRNNHidden          = "RNN_HIDDEN"
	EnvRNNWindow          = "RNN_WINDOW"
	EnvRNNEpochs          = "RNN_EPOCHS"
)

// Configuration defaults
const (
	DefaultDataPath  = "data"
	DefaultStore     = StoreBolt
	DefaultModelsDir = "models"
	DefaultAPIPort   = 8080
	DefaultLogLevel  = "info"
	DefaultLogFormat = LogFormatJSON
	DefaultServerURL = "http://localhost:8080"
)

// Common error messages
const (
	ErrMsgDatabaseURLRequired = "database URL is required for the postgres store"
	ErrMsgDataPathRequired    = "data path is required for the bolt store"
)

// Validation constants
const (
	MinAPIPort            = 1024
	MaxAPIPort            = 65535
	MaxForecastHorizon    = 120
	MaxSeasonalityPeriod  = 366
	MaxBoostingIterations = 5000
	MaxTreeDepth          = 16
	MaxLeaves             = 1024
	MaxEnsembleMembers    = 1000
	MaxHiddenUnits        = 256
	MaxEpochs             = 100000
	MaxRNNWindow          = 52
)
