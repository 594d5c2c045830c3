package constants

import "time"

// Application constants
const (
	// Application metadata
	AppName        = "dptrain"
	AppDescription = "Differentially private classifier training"
	AppVersion     = "0.1.0"

	// API constants
	APIVersion = "v1"
	APIPrefix  = "/api/v1"

	// Default server configuration values
	DefaultPort            = 8080
	DefaultHost            = "0.0.0.0"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxRequestSize  = 32 * 1024 * 1024 // 32MB
	DefaultMaxTrainingJobs = 4
	DefaultMaxModels       = 100
	DefaultMaxFinishedJobs = 1000

	// Privacy defaults
	DefaultEpsilon             = 1.0
	DefaultDelta               = 1e-5
	DefaultClipNorm            = 1.0
	DefaultCompositionStrategy = "advanced"
	DefaultMaxNoiseMultiplier  = 1e4

	// Training defaults
	DefaultBatchSize         = 32
	DefaultEpochs            = 5
	DefaultLearningRate      = 0.01
	DefaultLearningRateDecay = 0.0
	DefaultMaxRetries        = 3
	DefaultDecisionThreshold = 0.5

	// Config file defaults
	DefaultConfigDir  = ".dptrain"
	DefaultConfigName = "config"
	EnvPrefix         = "DPTRAIN"
)

// Parameter names of the logistic model
const (
	ParamWeights = "weights"
	ParamBias    = "bias"
)

// HTTP headers
const (
	HeaderContentType  = "Content-Type"
	HeaderRequestID    = "X-Request-ID"
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
)

// Content types
const (
	ContentTypeJSON = "application/json"
	ContentTypeYAML = "application/yaml"
)

// Output formats
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)
