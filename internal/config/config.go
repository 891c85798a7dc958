package config

import (
	"podforge/pkg/logger"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	API struct {
		Addr string `yaml:"addr" env:"API_ADDR" env-default:":8080"`
	} `yaml:"api"`

	Postgres struct {
		DSN string `yaml:"dsn" env:"POSTGRES_DSN"`
	} `yaml:"postgres"`

	RabbitMQ struct {
		URL string `yaml:"url" env:"RABBITMQ_URL"`
	} `yaml:"rabbitmq"`

	Redis struct {
		Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
		DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	} `yaml:"redis"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
		Region    string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
		AccessKey string `yaml:"access_key" env:"S3_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"S3_SECRET_KEY"`
		Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	} `yaml:"s3"`

	ScriptGen struct {
		APIKey string `yaml:"api_key" env:"OPENAI_API_KEY"`
		Model  string `yaml:"model" env:"SCRIPTGEN_MODEL" env-default:"gpt-4o-mini"`
	} `yaml:"scriptgen"`

	Speech struct {
		Endpoint string `yaml:"endpoint" env:"SPEECH_ENDPOINT"`
		APIKey   string `yaml:"api_key" env:"SPEECH_API_KEY"`
		Voice    string `yaml:"voice" env:"SPEECH_VOICE" env-default:"Kore"`
	} `yaml:"speech"`

	Transcode struct {
		FFmpegPath     string `yaml:"ffmpeg_path" env:"FFMPEG_PATH" env-default:"ffmpeg"`
		FFprobePath    string `yaml:"ffprobe_path" env:"FFPROBE_PATH" env-default:"ffprobe"`
		SegmentSeconds int    `yaml:"segment_seconds" env:"HLS_SEGMENT_SECONDS" env-default:"10"`
	} `yaml:"transcode"`

	Worker struct {
		Concurrency  int `yaml:"concurrency" env:"WORKER_CONCURRENCY" env-default:"4"`
		StageTimeout int `yaml:"stage_timeout_seconds" env:"STAGE_TIMEOUT_SECONDS" env-default:"1800"`
	} `yaml:"worker"`

	Quota struct {
		DailyLimit int `yaml:"daily_limit" env:"DAILY_TASK_LIMIT" env-default:"20"`
	} `yaml:"quota"`
}

func LoadConfig() (*Config, error) {
	// Load .env file
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadConfig("configs/config.yaml", &cfg); err != nil {
		return nil, err
	}

	if err := cleanenv.UpdateEnv(&cfg); err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully")
	return &cfg, nil
}
