package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Minio     Minio     `yaml:"minio"`
	Artifacts Artifacts `yaml:"artifacts"`
	Redis     Redis     `yaml:"redis"`
	Queue     Queue     `yaml:"queue"`
	Sandbox   Sandbox   `yaml:"sandbox"`
	Worker    Worker    `yaml:"worker"`
	Logging   Logging   `yaml:"logging"`
	Security  Security  `yaml:"security"`
	Metrics   Metrics   `yaml:"metrics"`
}

type Server struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxProjects     int           `yaml:"maxProjects"`
}

type Database struct {
	Driver   string `yaml:"driver"` // mysql | postgres | memory
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslMode"`
	Migrate  bool   `yaml:"migrate"`
	// Seed is a YAML catalog loaded into the memory driver at startup.
	Seed     string `yaml:"seed"`
}

type Minio struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"accessKey"`
	SecretKey  string `yaml:"secretKey"`
	BucketName string `yaml:"bucketName"`
	Region     string `yaml:"region"`
	UseSSL     bool   `yaml:"useSSL"`
}

type Artifacts struct {
	Driver  string `yaml:"driver"` // minio | local
	BaseDir string `yaml:"baseDir"`
}

type Redis struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	MaxIdle     int           `yaml:"maxIdle"`
	MaxActive   int           `yaml:"maxActive"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

type Queue struct {
	Driver     string `yaml:"driver"` // redis | memory
	Name       string `yaml:"name"`
	BufferSize int    `yaml:"bufferSize"`
}

type Resources struct {
	MemoryMB  int     `yaml:"memoryMB"`
	CPULimit  float64 `yaml:"cpuLimit"`  // CPU cores (e.g., 0.5 = 50%)
	PidsLimit int     `yaml:"pidsLimit"` // Max processes
}

type Sandbox struct {
	Driver           string        `yaml:"driver"` // docker | process
	Image            string        `yaml:"image"`
	Timeout          time.Duration `yaml:"timeout"`
	ProvisionTimeout time.Duration `yaml:"provisionTimeout"`
	Network          bool          `yaml:"network"`
	Resources        Resources     `yaml:"resources"`
	EnvRoot          string        `yaml:"envRoot"`  // process driver
	WorkRoot         string        `yaml:"workRoot"` // process driver
	Python           string        `yaml:"python"`   // process driver
	MaxOutputBytes   int           `yaml:"maxOutputBytes"`
}

type Worker struct {
	Embedded           bool `yaml:"embedded"`
	Concurrency        int  `yaml:"concurrency"`
	ProjectParallelism int  `yaml:"projectParallelism"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
}

type RateLimit struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

type Security struct {
	APIKeys        map[string]string `yaml:"apiKeys"` // staff name -> key
	AllowedOrigins []string          `yaml:"allowedOrigins"`
	RateLimit      RateLimit         `yaml:"rateLimit"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when a field is left empty.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxProjects:     500,
		},
		Database:  Database{Driver: "mysql", Host: "localhost", Port: 3306, SSLMode: "disable"},
		Artifacts: Artifacts{Driver: "local", BaseDir: "analyzers"},
		Redis:     Redis{Addr: "localhost:6379", MaxIdle: 3, IdleTimeout: 5 * time.Minute},
		Queue:     Queue{Driver: "memory", Name: "analyzer:batches", BufferSize: 100},
		Sandbox: Sandbox{
			Driver:           "docker",
			Image:            "python:3.11-slim",
			Timeout:          5 * time.Minute,
			ProvisionTimeout: 15 * time.Minute,
			Network:          true,
			Resources:        Resources{MemoryMB: 512, CPULimit: 1, PidsLimit: 128},
			EnvRoot:          "envs",
			WorkRoot:         os.TempDir(),
			Python:           "python3",
			MaxOutputBytes:   1 << 20,
		},
		Worker:  Worker{Embedded: true, Concurrency: 3, ProjectParallelism: 1},
		Logging: Logging{Level: "info", Format: "text"},
		Security: Security{
			RateLimit: RateLimit{Enabled: true, Requests: 30, Window: time.Minute},
		},
		Metrics: Metrics{Enabled: true, Path: "/metrics"},
	}
}

// Load baca file config.yaml di atas nilai default, lalu override dari env
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvInt("ANALYZER_PORT", c.Server.Port)
	c.Database.Driver = getEnv("ANALYZER_DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("ANALYZER_DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("ANALYZER_DB_PORT", c.Database.Port)
	c.Database.User = getEnv("ANALYZER_DB_USER", c.Database.User)
	c.Database.Password = getEnv("ANALYZER_DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("ANALYZER_DB_NAME", c.Database.Name)
	c.Database.Seed = getEnv("ANALYZER_DB_SEED", c.Database.Seed)
	c.Minio.AccessKey = getEnv("ANALYZER_MINIO_ACCESS_KEY", c.Minio.AccessKey)
	c.Minio.SecretKey = getEnv("ANALYZER_MINIO_SECRET_KEY", c.Minio.SecretKey)
	c.Redis.Addr = getEnv("ANALYZER_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("ANALYZER_REDIS_PASSWORD", c.Redis.Password)
	c.Queue.Driver = getEnv("ANALYZER_QUEUE_DRIVER", c.Queue.Driver)
	c.Sandbox.Driver = getEnv("ANALYZER_SANDBOX_DRIVER", c.Sandbox.Driver)
	c.Sandbox.Timeout = getEnvDuration("ANALYZER_SANDBOX_TIMEOUT", c.Sandbox.Timeout)
	c.Worker.Embedded = getEnvBool("ANALYZER_WORKER_EMBEDDED", c.Worker.Embedded)
	c.Worker.Concurrency = getEnvInt("ANALYZER_WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Logging.Level = getEnv("ANALYZER_LOG_LEVEL", c.Logging.Level)
	if keys := os.Getenv("ANALYZER_API_KEYS"); keys != "" {
		c.Security.APIKeys = parseAPIKeys(keys)
	}
}

// Validate rejects unknown drivers and nonsensical limits.
func (c *Config) Validate() error {
	if !oneOf(c.Database.Driver, "mysql", "postgres", "memory") {
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if !oneOf(c.Artifacts.Driver, "minio", "local") {
		return fmt.Errorf("config: unknown artifacts driver %q", c.Artifacts.Driver)
	}
	if !oneOf(c.Queue.Driver, "redis", "memory") {
		return fmt.Errorf("config: unknown queue driver %q", c.Queue.Driver)
	}
	if !oneOf(c.Sandbox.Driver, "docker", "process") {
		return fmt.Errorf("config: unknown sandbox driver %q", c.Sandbox.Driver)
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("config: sandbox timeout must be positive")
	}
	if c.Worker.Concurrency < 1 || c.Worker.ProjectParallelism < 1 {
		return fmt.Errorf("config: worker concurrency and projectParallelism must be at least 1")
	}
	return nil
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

// Helper untuk build DSN Postgres
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseAPIKeys parses comma-separated name:key pairs; a bare key is named after its position.
func parseAPIKeys(keys string) map[string]string {
	out := make(map[string]string)
	for i, item := range strings.Split(keys, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, key, found := strings.Cut(item, ":")
		if !found {
			name, key = fmt.Sprintf("key%d", i+1), item
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(key)
	}
	return out
}
