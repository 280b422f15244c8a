package config

import (
	"database/sql"
	"errors"
	"fmt"
	"github.com/go-playground/validator/v10"
	_ "github.com/lib/pq"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"
	"strings"
	"time"
)

type Config struct {
	MinIOBucket string        `yaml:"minio_bucket"`
	App         App           `yaml:"app"`
	DB          *sql.DB       `yaml:"db"`
	Queue       *RabbitMQ     `yaml:"rabbitmq"`
	Storage     *minio.Client `yaml:"storage"`
	Server      Server        `yaml:"server"`

	Cache       Cache       `yaml:"cache"`
	Compression Compression `yaml:"compression"`
	Collage     Collage     `yaml:"collage"`
	Recorder    Recorder    `yaml:"recorder"`
	Export      Export      `yaml:"export"`
	Memory      Memory      `yaml:"memory"`
}

type App struct {
	Environment string `yaml:"environment"`
	Host        string `yaml:"host"`
	Protocol    string `yaml:"protocol"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
	Workers  int    `yaml:"workers" validate:"gte=1"`
}

type RabbitMQ struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	User          string `json:"user"`
	Pass          string `json:"pass"`
	ExchangeName  string `json:"exchange_name"`
	Kind          string `json:"kind"`
	EventExchange string `json:"event_exchange"`
	MaxRetries    uint   `json:"max_retries"`
}

type Cache struct {
	Dir                    string        `yaml:"dir" validate:"required"`
	MaxSizeMB              int64         `yaml:"max_size_mb" validate:"gt=0"`
	MaxAge                 time.Duration `yaml:"max_age" validate:"gt=0"`
	MaxConcurrentDownloads int           `yaml:"max_concurrent_downloads" validate:"gt=0"`
	SweepInterval          time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	EmergencyKeep          int           `yaml:"emergency_keep" validate:"gte=0"`
}

func (c Cache) MaxBytes() int64 {
	return c.MaxSizeMB * 1024 * 1024
}

type Compression struct {
	TargetSizeMB       int64  `yaml:"target_size_mb" validate:"gt=0"`
	PreserveResolution bool   `yaml:"preserve_resolution"`
	MaxDimension       int    `yaml:"max_dimension" validate:"gte=0"`
	Threads            int    `yaml:"threads" validate:"gte=0"`
	AudioBitrateKbps   int    `yaml:"audio_bitrate_kbps" validate:"gt=0"`
	Preset             string `yaml:"preset"`
	WorkDir            string `yaml:"work_dir"`
}

func (c Compression) TargetBytes() int64 {
	return c.TargetSizeMB * 1024 * 1024
}

type Collage struct {
	TotalDuration      float64 `yaml:"total_duration" validate:"gt=0"`
	WatermarkDuration  float64 `yaml:"watermark_duration" validate:"gte=0"`
	TransitionDuration float64 `yaml:"transition_duration" validate:"gte=0"`
	MinClip            float64 `yaml:"min_clip" validate:"gte=0"`
	MaxMainClip        float64 `yaml:"max_main_clip" validate:"gtefield=MinClip"`
	WatermarkImage     string  `yaml:"watermark_image"`
	WorkDir            string  `yaml:"work_dir"`
}

type Recorder struct {
	SegmentsDir string `yaml:"segments_dir" validate:"required"`
}

type Export struct {
	WorkDir          string `yaml:"work_dir" validate:"required"`
	ThumbnailQuality int    `yaml:"thumbnail_quality" validate:"gte=1,lte=100"`
	ThumbnailMaxSize int    `yaml:"thumbnail_max_size" validate:"gte=0"`
}

type Memory struct {
	LimitMB           int64         `yaml:"limit_mb" validate:"gte=0"`
	CriticalWatermark float64       `yaml:"critical_watermark" validate:"gt=0,lte=1"`
	CheckInterval     time.Duration `yaml:"check_interval" validate:"gt=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "develop")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.workers", 2)
	v.SetDefault("rabbitmq_kind", "direct")
	v.SetDefault("rabbitmq_exchange", "media_exchange")
	v.SetDefault("rabbitmq_event_exchange", "media_events")
	v.SetDefault("rabbitmq_max_retries", 5)

	v.SetDefault("cache.dir", "cache/videos")
	v.SetDefault("cache.max_size_mb", 500)
	v.SetDefault("cache.max_age", 7*24*time.Hour)
	v.SetDefault("cache.max_concurrent_downloads", 3)
	v.SetDefault("cache.sweep_interval", 10*time.Minute)
	v.SetDefault("cache.emergency_keep", 10)

	v.SetDefault("compression.target_size_mb", 50)
	v.SetDefault("compression.preserve_resolution", false)
	v.SetDefault("compression.max_dimension", 1280)
	v.SetDefault("compression.threads", 2)
	v.SetDefault("compression.audio_bitrate_kbps", 128)
	v.SetDefault("compression.preset", "veryfast")
	v.SetDefault("compression.work_dir", "temp/compressed")

	v.SetDefault("collage.total_duration", 60.0)
	v.SetDefault("collage.watermark_duration", 3.0)
	v.SetDefault("collage.transition_duration", 0.5)
	v.SetDefault("collage.min_clip", 5.0)
	v.SetDefault("collage.max_main_clip", 20.0)
	v.SetDefault("collage.work_dir", "temp/collages")

	v.SetDefault("recorder.segments_dir", "temp/segments")

	v.SetDefault("export.work_dir", "temp/exports")
	v.SetDefault("export.thumbnail_quality", 80)
	v.SetDefault("export.thumbnail_max_size", 720)

	v.SetDefault("memory.limit_mb", 0)
	v.SetDefault("memory.critical_watermark", 0.85)
	v.SetDefault("memory.check_interval", 5*time.Second)
}

// Local reads only the media settings, without opening any connection. The
// CLI sub-commands that work on local state use it.
func Local(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	cfg := decode(v)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	cfg := decode(v)
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", v.GetString("postgresql_host"))
	if err != nil {
		return nil, err
	}

	minioClient, err := minio.New(v.GetString("minio.url"), &minio.Options{
		Creds:  credentials.NewStaticV4(v.GetString("minio.access_id"), v.GetString("minio.secret_access_key"), ""),
		Secure: v.GetBool("minio.secure"),
	})
	if err != nil {
		return nil, err
	}

	cfg.DB = db
	cfg.Storage = minioClient
	return cfg, nil
}

func read(path string) (*viper.Viper, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

func decode(v *viper.Viper) *Config {
	return &Config{
		MinIOBucket: v.GetString("minio.bucket"),
		App: App{
			Environment: v.GetString("app.environment"),
			Host:        v.GetString("app.host"),
			Protocol:    v.GetString("app.protocol"),
		},
		Server: Server{
			HttpPort: v.GetString("server.port"),
			Workers:  v.GetInt("server.workers"),
		},
		Queue: &RabbitMQ{
			Host:          v.GetString("rabbitmq_host"),
			Port:          v.GetInt("rabbitmq_port"),
			User:          v.GetString("rabbitmq_user"),
			Pass:          v.GetString("rabbitmq_pass"),
			ExchangeName:  v.GetString("rabbitmq_exchange"),
			Kind:          v.GetString("rabbitmq_kind"),
			EventExchange: v.GetString("rabbitmq_event_exchange"),
			MaxRetries:    v.GetUint("rabbitmq_max_retries"),
		},
		Cache: Cache{
			Dir:                    v.GetString("cache.dir"),
			MaxSizeMB:              v.GetInt64("cache.max_size_mb"),
			MaxAge:                 v.GetDuration("cache.max_age"),
			MaxConcurrentDownloads: v.GetInt("cache.max_concurrent_downloads"),
			SweepInterval:          v.GetDuration("cache.sweep_interval"),
			EmergencyKeep:          v.GetInt("cache.emergency_keep"),
		},
		Compression: Compression{
			TargetSizeMB:       v.GetInt64("compression.target_size_mb"),
			PreserveResolution: v.GetBool("compression.preserve_resolution"),
			MaxDimension:       v.GetInt("compression.max_dimension"),
			Threads:            v.GetInt("compression.threads"),
			AudioBitrateKbps:   v.GetInt("compression.audio_bitrate_kbps"),
			Preset:             v.GetString("compression.preset"),
			WorkDir:            v.GetString("compression.work_dir"),
		},
		Collage: Collage{
			TotalDuration:      v.GetFloat64("collage.total_duration"),
			WatermarkDuration:  v.GetFloat64("collage.watermark_duration"),
			TransitionDuration: v.GetFloat64("collage.transition_duration"),
			MinClip:            v.GetFloat64("collage.min_clip"),
			MaxMainClip:        v.GetFloat64("collage.max_main_clip"),
			WatermarkImage:     v.GetString("collage.watermark_image"),
			WorkDir:            v.GetString("collage.work_dir"),
		},
		Recorder: Recorder{
			SegmentsDir: v.GetString("recorder.segments_dir"),
		},
		Export: Export{
			WorkDir:          v.GetString("export.work_dir"),
			ThumbnailQuality: v.GetInt("export.thumbnail_quality"),
			ThumbnailMaxSize: v.GetInt("export.thumbnail_max_size"),
		},
		Memory: Memory{
			LimitMB:           v.GetInt64("memory.limit_mb"),
			CriticalWatermark: v.GetFloat64("memory.critical_watermark"),
			CheckInterval:     v.GetDuration("memory.check_interval"),
		},
	}
}

var validate = validator.New()

// Validate rejects settings the media core cannot run with.
func Validate(cfg *Config) error {
	for name, section := range map[string]interface{}{
		"server":      cfg.Server,
		"cache":       cfg.Cache,
		"compression": cfg.Compression,
		"collage":     cfg.Collage,
		"recorder":    cfg.Recorder,
		"export":      cfg.Export,
		"memory":      cfg.Memory,
	} {
		if err := validate.Struct(section); err != nil {
			return fmt.Errorf("invalid %s config: %w", name, err)
		}
	}
	return nil
}
