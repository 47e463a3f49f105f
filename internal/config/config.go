package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		Logger    Logger    `envPrefix:"LOGGER_"`
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		GPU       GPU       `envPrefix:"GPU_"`
		Fetch     Fetch     `envPrefix:"FETCH_"`
		Render    Render    `envPrefix:"RENDER_"`
		Sources   Sources   `envPrefix:"SOURCE_"`
		Network   Network   `envPrefix:"NETWORK_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
		Vips      Vips      `envPrefix:"VIPS_"`
		View      View      `envPrefix:"VIEW_"`
		Warmup    Warmup    `envPrefix:"WARMUP_"`

		// Layers are the product codes shown, coarse or fine in any order.
		Layers []string `env:"LAYERS" envSeparator:"," envDefault:"SV,SVR,50K,50KR,250K,250KR,MS,MSR,OV2,OV1,OV0" validate:"min=1,dive,required"`
	}

	Logger struct {
		Level    string `env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		Encoding string `env:"ENCODING" envDefault:"json" validate:"oneof=json console"`
	}

	HTTP struct {
		Addr            string        `env:"ADDR" envDefault:":8080" validate:"required"`
		AllowedOrigin   string        `env:"ALLOWED_ORIGIN"`
		ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	}

	// Cache sizes are in megabytes. Zero disables a tier.
	Cache struct {
		Dir        string `env:"DIR" envDefault:"/data/cache"`
		MemoryMB   int64  `env:"MEMORY_MB" envDefault:"32" validate:"gte=0"`
		DiskMB     int64  `env:"DISK_MB" envDefault:"256" validate:"gte=0"`
		AppVersion int    `env:"APP_VERSION" envDefault:"1"`
		WriteQueue int    `env:"WRITE_QUEUE" envDefault:"64" validate:"gte=0"`
	}

	GPU struct {
		SoftLimitMB int64 `env:"SOFT_LIMIT_MB" envDefault:"64" validate:"gt=0"`
	}

	Fetch struct {
		Workers int `env:"WORKERS" envDefault:"2" validate:"gt=0"`
	}

	Render struct {
		FrameInterval time.Duration `env:"FRAME_INTERVAL" envDefault:"16ms" validate:"gt=0"`
		SoftDeadline  time.Duration `env:"SOFT_DEADLINE" envDefault:"10ms" validate:"gt=0,ltefield=HardDeadline"`
		HardDeadline  time.Duration `env:"HARD_DEADLINE" envDefault:"200ms" validate:"gt=0"`
		AsyncFetches  int           `env:"ASYNC_FETCHES" envDefault:"4" validate:"gte=0"`
		SyncFetches   int           `env:"SYNC_FETCHES" envDefault:"1" validate:"gte=0"`
		FadeDuration  time.Duration `env:"FADE_DURATION" envDefault:"400ms" validate:"gt=0"`
	}

	// Sources are tried in the order archives, directory, redis, web,
	// synthetic. Empty settings leave a source out.
	Sources struct {
		ArchiveDir string    `env:"ARCHIVE_DIR"`
		TileDir    string    `env:"TILE_DIR"`
		TileExt    string    `env:"TILE_EXT" envDefault:"png" validate:"required,alphanum"`
		Web        Web       `envPrefix:"WEB_"`
		Redis      Redis     `envPrefix:"REDIS_"`
		Synthetic  Synthetic `envPrefix:"SYNTHETIC_"`
	}

	Web struct {
		URLTemplate string        `env:"URL_TEMPLATE"`
		UserAgent   string        `env:"USER_AGENT" envDefault:"tileview/1.0"`
		Timeout     time.Duration `env:"TIMEOUT" envDefault:"10s" validate:"gt=0"`
		Products    []string      `env:"PRODUCTS" envSeparator:","`
		MaxTileKB   int64         `env:"MAX_TILE_KB" envDefault:"4096" validate:"gt=0"`
	}

	Redis struct {
		Enabled  bool          `env:"ENABLED" envDefault:"false"`
		Addr     string        `env:"ADDR" envDefault:"localhost:6379" validate:"required_if=Enabled true"`
		Password string        `env:"PASSWORD"`
		DB       int           `env:"DB" envDefault:"0" validate:"gte=0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h" validate:"gte=0"`
	}

	Synthetic struct {
		Enabled     bool          `env:"ENABLED" envDefault:"false"`
		Latency     time.Duration `env:"LATENCY" envDefault:"0s" validate:"gte=0"`
		Synchronous bool          `env:"SYNCHRONOUS" envDefault:"false"`
	}

	// Network reachability is checked by dialing CheckAddr. Without one the
	// network is assumed reachable.
	Network struct {
		CheckAddr     string        `env:"CHECK_ADDR"`
		CheckInterval time.Duration `env:"CHECK_INTERVAL" envDefault:"30s" validate:"gt=0"`
	}

	Telemetry struct {
		Enabled        bool    `env:"ENABLED" envDefault:"false"`
		ServiceName    string  `env:"SERVICE_NAME" envDefault:"tileview"`
		ServiceVersion string  `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string  `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string  `env:"OTLP_ENDPOINT" envDefault:"localhost:4317" validate:"required_if=Enabled true"`
		Insecure       bool    `env:"INSECURE" envDefault:"true"`
		SampleRatio    float64 `env:"SAMPLE_RATIO" envDefault:"1" validate:"gte=0,lte=1"`
	}

	Vips struct {
		Enabled     bool `env:"ENABLED" envDefault:"true"`
		MaxCacheMB  int  `env:"MAX_CACHE_MB" envDefault:"256" validate:"gte=0"`
		Concurrency int  `env:"CONCURRENCY" envDefault:"1" validate:"gte=0"`
	}

	// View is the initial camera, in map metres.
	View struct {
		CenterX        float64 `env:"CENTER_X" envDefault:"0"`
		CenterY        float64 `env:"CENTER_Y" envDefault:"0"`
		MetresPerPixel float64 `env:"METRES_PER_PIXEL" envDefault:"10" validate:"gt=0"`
		Width          int     `env:"WIDTH" envDefault:"1024" validate:"gt=0"`
		Height         int     `env:"HEIGHT" envDefault:"768" validate:"gt=0"`
	}

	// Warmup prefetches the initial view in Layers layers on each side of
	// the best one. Zero disables it.
	Warmup struct {
		Layers  int `env:"LAYERS" envDefault:"1" validate:"gte=0"`
		Workers int `env:"WORKERS" envDefault:"1" validate:"gt=0"`
	}
)

// Load reads the environment, after loading the given .env files (".env" if
// none) without overriding variables already set, and validates the result.
// Missing .env files are ignored.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Cache) MemoryBytes() int64  { return c.MemoryMB << 20 }
func (c *Cache) DiskBytes() int64    { return c.DiskMB << 20 }
func (g *GPU) SoftLimitBytes() int64 { return g.SoftLimitMB << 20 }

func (w *Web) MaxTileBytes() int64 { return w.MaxTileKB << 10 }
