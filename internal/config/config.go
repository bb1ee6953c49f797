package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env.{env}（凭据）
//  2. 加载 common.yaml 和 {env}.yaml
//  3. 环境变量覆盖，构建最终配置
func Load() *Config {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg := loadYAMLConfig(env)

	yamlCfg.Database.Password = getEnv("MONGO_PASSWORD", "")
	yamlCfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	yamlCfg.MinIO.AccessKey = getEnv("MINIO_ROOT_USER", "")
	yamlCfg.MinIO.SecretKey = getEnv("MINIO_ROOT_PASSWORD", "")
	yamlCfg.VectorStore.Password = getEnv("VECTOR_DB_PASSWORD", "")
	yamlCfg.Auth.JWTSecret = getEnv("JWT_SECRET", "")

	if v := os.Getenv("REDIS_URL"); v != "" {
		yamlCfg.Redis.URL = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		yamlCfg.Database.URI = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		yamlCfg.APIServer.Port = v
	}
	if v := os.Getenv("LINSIGHT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			yamlCfg.Linsight.Workers = n
		}
	}

	cfg := &Config{
		Env:            env,
		APIPort:        yamlCfg.APIServer.Port,
		Log:            yamlCfg.Log,
		DatabaseDriver: strings.ToLower(yamlCfg.Database.Driver),
		DatabaseURL:    buildMongoURL(yamlCfg.Database),
		DatabaseName:   yamlCfg.Database.Name,
		RedisURL:       buildRedisURL(yamlCfg.Redis),
		Etcd:           yamlCfg.Etcd,
		MinIO:          yamlCfg.MinIO,
		VectorDriver:   strings.ToLower(yamlCfg.VectorStore.Driver),
		VectorURL:      buildVectorURL(yamlCfg.VectorStore),
		Lock:           yamlCfg.Lock,
		Linsight:       yamlCfg.Linsight,
		LLM:            yamlCfg.LLM,
		Knowledge:      yamlCfg.Knowledge,
		Auth:           yamlCfg.Auth,
		Sandbox:        yamlCfg.Sandbox,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	cfg.validate()
	return cfg
}

// defaultYAMLConfig 代码默认值
func defaultYAMLConfig() YAMLConfig {
	return YAMLConfig{
		APIServer:   APIServerConfig{Port: "8080"},
		Database:    DatabaseConfig{Driver: "mongodb", Host: "localhost", Port: 27017, Name: "linsight"},
		Redis:       RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:        EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/linsight"},
		MinIO:       MinIOConfig{Endpoint: "localhost:9000", Bucket: "linsight", TmpBucket: "linsight-tmp"},
		VectorStore: VectorStoreConfig{Driver: "sqlite", Path: "data/linsight-index.db", Port: 5432, SSLMode: "disable"},
		Lock:        LockConfig{Driver: "redis"},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *yamlConfigInternal {
	cfg := &yamlConfigInternal{YAMLConfig: defaultYAMLConfig()}

	for _, base := range effectiveConfigPaths() {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
				log.Printf("WARNING: config: parse %s failed: %v", path, err)
			}
			break
		}
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range effectiveConfigPaths() {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
				log.Printf("WARNING: config: parse %s failed: %v", path, err)
			}
			cfg.loadedFrom = path
			break
		}
	}

	return cfg
}

// Parse 从 YAML 字节构建配置（linsightctl 和测试使用，不读取环境变量覆盖）
func Parse(data []byte) (*Config, error) {
	y := defaultYAMLConfig()
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := &Config{
		Env:            EnvDevelopment,
		APIPort:        y.APIServer.Port,
		Log:            y.Log,
		DatabaseDriver: strings.ToLower(y.Database.Driver),
		DatabaseURL:    buildMongoURL(y.Database),
		DatabaseName:   y.Database.Name,
		RedisURL:       buildRedisURL(y.Redis),
		Etcd:           y.Etcd,
		MinIO:          y.MinIO,
		VectorDriver:   strings.ToLower(y.VectorStore.Driver),
		VectorURL:      buildVectorURL(y.VectorStore),
		Lock:           y.Lock,
		Linsight:       y.Linsight,
		LLM:            y.LLM,
		Knowledge:      y.Knowledge,
		Auth:           y.Auth,
		Sandbox:        y.Sandbox,
	}
	cfg.validate()
	return cfg, nil
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, DB: %s %s, Redis: %s, Vector: %s %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(c.RedisURL),
		c.VectorDriver, maskPassword(c.VectorURL))
}

var passwordRe = regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)

// maskPassword 隐藏密码
func maskPassword(url string) string {
	return passwordRe.ReplaceAllString(url, "${1}***${3}")
}

// validate 验证并填充默认值
func (c *Config) validate() {
	if c.APIPort == "" {
		c.APIPort = "8080"
	}
	if c.DatabaseDriver == "" {
		c.DatabaseDriver = "mongodb"
	}
	if c.DatabaseName == "" {
		c.DatabaseName = "linsight"
	}
	if c.VectorDriver == "" {
		c.VectorDriver = "sqlite"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = "redis"
	}
	c.Linsight.validate()
	c.LLM.validate()
	c.Knowledge.validate()
	c.Sandbox.validate()
}

func (l *LinsightConfig) validate() {
	if l.QueueName == "" {
		l.QueueName = "linsight.queue"
	}
	if l.PopTimeout == 0 {
		l.PopTimeout = 5 * time.Second
	}
	if l.Workers <= 0 {
		l.Workers = 2
	}
	if l.MaxToolIterations <= 0 {
		l.MaxToolIterations = 8
	}
	if l.ReplanAttempts < 0 {
		l.ReplanAttempts = 0
	} else if l.ReplanAttempts == 0 {
		l.ReplanAttempts = 2
	}
	if l.AliveWarning == 0 {
		l.AliveWarning = time.Hour
	}
	if l.BusTTL < time.Hour {
		l.BusTTL = time.Hour
	}
	if l.ReconcileIdle == 0 {
		l.ReconcileIdle = 10 * time.Second
	}
	if l.UserInputTimeout == 0 {
		l.UserInputTimeout = time.Hour
	}
	if l.ShareLinkTTL == 0 {
		l.ShareLinkTTL = 24 * time.Hour
	}
	if l.SOPRetrieveCount <= 0 {
		l.SOPRetrieveCount = 3
	}
}

func (l *LLMConfig) validate() {
	if l.RequestTimeout == 0 {
		l.RequestTimeout = 5 * time.Minute
	}
	if l.RemarkMaxLen <= 0 {
		l.RemarkMaxLen = 500
	}
	if l.MetricsPrefix == "" {
		l.MetricsPrefix = "linsight"
	}
}

func (k *KnowledgeConfig) validate() {
	if k.CollectionPrefix == "" {
		k.CollectionPrefix = "kb"
	}
	if k.EmbedBatchSize <= 0 {
		k.EmbedBatchSize = 32
	}
	if k.QueueName == "" {
		k.QueueName = "knowledge.rebuild.queue"
	}
}

func (s *SandboxConfig) validate() {
	if s.Image == "" {
		s.Image = "python:3.12-slim"
	}
	if s.MemoryMB <= 0 {
		s.MemoryMB = 512
	}
	if s.Timeout == 0 {
		s.Timeout = 2 * time.Minute
	}
}
