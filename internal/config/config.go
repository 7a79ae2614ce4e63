package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for a handler process
type Config struct {
	FunctionName string `validate:"required"`
	Environment  string
	Region       string `validate:"required"`

	Params  ParamsConfig
	Logs    LogsConfig
	Tracing TracingConfig
	HTTP    HTTPConfig
	Local   LocalConfig
	Echo    EchoConfig
}

// ParamsConfig holds the required-field lists enforced before a handler runs
type ParamsConfig struct {
	RequiredHeaders []string
	RequiredBody    []string
}

// LogsConfig holds log shipping and redaction configuration
type LogsConfig struct {
	GroupName          string
	SecretFieldPattern string `validate:"omitempty,regexp"`
	UnmaskedFields     []string
	Level              string `validate:"oneof=trace debug info warn warning error fatal panic"`
	Format             string `validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled    bool
	Endpoint   string  `validate:"required_if=Enabled true"`
	SampleRate float64 `validate:"gte=0,lte=1"`
}

// HTTPConfig holds outbound HTTP client configuration
type HTTPConfig struct {
	Timeout time.Duration `validate:"gt=0"`
}

// LocalConfig holds settings for the local development server
type LocalConfig struct {
	Port           string  `validate:"required"`
	RateLimitRPS   float64 `validate:"gt=0"`
	RateLimitBurst int     `validate:"gt=0"`
}

// EchoConfig holds settings of the echo function
type EchoConfig struct {
	TableName string
}

// HasLogGroup reports whether records should be shipped to CloudWatch Logs
func (c *Config) HasLogGroup() bool {
	return c.Logs.GroupName != ""
}

// Load loads configuration from environment variables and an optional .env file
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("AWS_ENVIRONMENT", "local")
	v.SetDefault("AWS_REGION", "eu-west-1")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACING_SAMPLE_RATE", 1.0)
	v.SetDefault("HTTP_CLIENT_TIMEOUT", "30s")
	v.SetDefault("PORT", "8081")
	v.SetDefault("LOCAL_RATE_LIMIT_RPS", 20)
	v.SetDefault("LOCAL_RATE_LIMIT_BURST", 40)
	v.SetDefault("ECHO_TABLE_NAME", "")

	functionName := ResolveFunctionName(v.GetString("AWS_LAMBDA_FUNCTION_NAME"), v.GetString("AWS_ENVIRONMENT"))

	config := &Config{
		FunctionName: functionName,
		Environment:  EnvironmentOf(functionName),
		Region:       v.GetString("AWS_REGION"),
		Params: ParamsConfig{
			RequiredHeaders: SplitList(v.GetString("REQUIRED_HEADER_PARAMS")),
			RequiredBody:    SplitList(v.GetString("REQUIRED_BODY_PARAMS")),
		},
		Logs: LogsConfig{
			GroupName:          strings.TrimSpace(v.GetString("CW_LOG_GROUP_NAME")),
			SecretFieldPattern: v.GetString("SECRET_FIELD_PATTERN"),
			UnmaskedFields:     SplitList(v.GetString("UNMASKED_FIELDS")),
			Level:              strings.ToLower(v.GetString("LOG_LEVEL")),
			Format:             strings.ToLower(v.GetString("LOG_FORMAT")),
		},
		Tracing: TracingConfig{
			Enabled:    v.GetBool("TRACING_ENABLED"),
			Endpoint:   v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			SampleRate: v.GetFloat64("TRACING_SAMPLE_RATE"),
		},
		HTTP: HTTPConfig{
			Timeout: v.GetDuration("HTTP_CLIENT_TIMEOUT"),
		},
		Local: LocalConfig{
			Port:           v.GetString("PORT"),
			RateLimitRPS:   v.GetFloat64("LOCAL_RATE_LIMIT_RPS"),
			RateLimitBurst: v.GetInt("LOCAL_RATE_LIMIT_BURST"),
		},
		Echo: EchoConfig{
			TableName: strings.TrimSpace(v.GetString("ECHO_TABLE_NAME")),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration using struct tags
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation("regexp", validRegexp); err != nil {
		return err
	}

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validRegexp(fl validator.FieldLevel) bool {
	_, err := regexp.Compile(fl.Field().String())
	return err == nil
}

// SplitList splits a comma-separated list, trimming blanks and dropping empty entries
func SplitList(value string) []string {
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

// GetEnv gets an environment variable with a fallback value
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
