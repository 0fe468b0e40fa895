package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Default model variants for each pipeline stage. These track the SiliconFlow
// catalog and can all be overridden per request.
const (
	DefaultI2VModel = "Wan-AI/Wan2.1-I2V-14B-720P"
	DefaultVLMModel = "Qwen/Qwen2.5-VL-72B-Instruct"
	DefaultLLMModel = "Qwen/QwQ-32B"
)

// DefaultNegativePrompt is the negative prompt applied when a request does not
// supply one. It mirrors the quality/artifact exclusion list tuned for the
// Wan2.1 family.
const DefaultNegativePrompt = "Vivid tones, overexposed, static, unclear details, " +
	"subtitles, style, works, paintings, imagery, still, overall grayish, worst quality, " +
	"low quality, JPEG compression artifacts, ugly, incomplete, extra fingers, " +
	"poorly drawn hands, poorly drawn faces, deformed, disfigured, malformed limbs, " +
	"fused fingers, motionless imagery, cluttered background, three legs, " +
	"crowded background, walking backwards"

// defaultSystemTemplate is the hidden system prompt the refinement stage
// appends after the user style prompt.
const defaultSystemTemplate = `You are an expert at creating high-quality prompts for image-to-video generation models. Your task is to refine the given image description into a concise, detailed prompt that will produce a high-quality video capturing the essence of the image.

Describe the action and scene in chronological order, covering specific movements, appearance, camera angle, and environment details, all in one coherent paragraph that starts directly with the action. Imagine yourself as a cinematographer describing a shot script. Structure the prompt as follows:

1. One sentence stating the main action.
2. Specific details about movements and gestures.
3. A precise description of the subject's appearance.
4. Background and environment details.
5. Camera angle and movement.
6. Lighting and color.
7. Any changes or sudden events.

Keep the prompt under 200 words and make it specific and descriptive. Do not include any explanations or notes - just output the refined prompt.`

const defaultUserPrompt = "Create a short video suitable for a fashion clip from this image. " +
	"Avoid slow motion and avoid large, abrupt movements."

// Load reads configuration from an optional config.yaml in the working
// directory and from environment variables with an I2V_ prefix. Environment
// variables take precedence over file values (e.g. I2V_DATABASE_URL overrides
// database.url). Returns a populated, validated Config or an error.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("I2V")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine: defaults plus environment variables
		// are a complete configuration. Any other read error is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("siliconflow.base_url", "https://api.siliconflow.cn/v1")
	v.SetDefault("siliconflow.i2v_model", DefaultI2VModel)
	v.SetDefault("siliconflow.vlm_model", DefaultVLMModel)
	v.SetDefault("siliconflow.llm_model", DefaultLLMModel)

	v.SetDefault("video.size", "720x1280")
	v.SetDefault("video.negative_prompt", DefaultNegativePrompt)
	v.SetDefault("video.upload_dir", "uploads")
	v.SetDefault("video.output_dir", "output")
	v.SetDefault("video.ffmpeg_path", "ffmpeg")

	v.SetDefault("pipeline.poll_attempts", 60)
	v.SetDefault("pipeline.poll_interval", 10*time.Second)
	v.SetDefault("pipeline.download_attempts", 10)
	v.SetDefault("pipeline.download_interval", 5*time.Second)

	v.SetDefault("prompts.default_user_prompt", defaultUserPrompt)
	v.SetDefault("prompts.system_template", defaultSystemTemplate)
}
