package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"       validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"     validate:"required"`
	SiliconFlow SiliconFlowConfig `mapstructure:"siliconflow"  validate:"required"`
	Video       VideoConfig       `mapstructure:"video"        validate:"required"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"     validate:"required"`
	Prompts     PromptsConfig     `mapstructure:"prompts"`
}

// ServerConfig contains all HTTP-server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// SiliconFlowConfig contains the remote model-service settings: the API
// endpoint, the server-side default credential, and the default model variant
// for each pipeline stage. The credential may be empty, in which case every
// request must carry its own api_key.
type SiliconFlowConfig struct {
	BaseURL  string `mapstructure:"base_url"  validate:"required,url"`
	APIKey   string `mapstructure:"api_key"`
	I2VModel string `mapstructure:"i2v_model" validate:"required"`
	VLMModel string `mapstructure:"vlm_model" validate:"required"`
	LLMModel string `mapstructure:"llm_model" validate:"required"`
}

// VideoConfig contains file-handling and generation-parameter defaults.
type VideoConfig struct {
	Size           string `mapstructure:"size"            validate:"required"`
	NegativePrompt string `mapstructure:"negative_prompt"`
	UploadDir      string `mapstructure:"upload_dir"      validate:"required"`
	OutputDir      string `mapstructure:"output_dir"      validate:"required"`
	FFmpegPath     string `mapstructure:"ffmpeg_path"`
}

// PipelineConfig bounds the orchestrator's polling and download retries.
// The intervals are fixed-length sleeps; there is no backoff.
type PipelineConfig struct {
	PollAttempts     int           `mapstructure:"poll_attempts"     validate:"required,gt=0"`
	PollInterval     time.Duration `mapstructure:"poll_interval"     validate:"required"`
	DownloadAttempts int           `mapstructure:"download_attempts" validate:"required,gt=0"`
	DownloadInterval time.Duration `mapstructure:"download_interval" validate:"required"`
}

// PromptsConfig holds the prompt-engineering text: the user-visible style
// prompt and the hidden system template the refinement stage combines it with.
type PromptsConfig struct {
	DefaultUserPrompt string `mapstructure:"default_user_prompt"`
	SystemTemplate    string `mapstructure:"system_template"`
}

// FullTemplate combines a user style prompt with the system template the way
// the refinement stage expects: user prompt first, then the fixed instructions.
// An empty userPrompt falls back to the configured default.
func (p PromptsConfig) FullTemplate(userPrompt string) string {
	if userPrompt == "" {
		userPrompt = p.DefaultUserPrompt
	}
	return userPrompt + "\n\n" + p.SystemTemplate
}
