// Package config 统一配置管理
//
// API Server、Worker 和 linsightctl 共用同一份 YAML schema，
// 通过不同章节（section）区分各组件的配置。
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（common.yaml，然后 {env}.yaml）
//  3. 代码硬编码默认值
//
// 密码/密钥只存在于环境变量中，YAML 中不存储任何凭据。
package config

import (
	"time"

	"linsight/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	APIServer   APIServerConfig   `yaml:"api_server"`
	Log         logging.Config    `yaml:"log"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Etcd        EtcdConfig        `yaml:"etcd"`
	MinIO       MinIOConfig       `yaml:"minio"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Lock        LockConfig        `yaml:"lock"`
	Linsight    LinsightConfig    `yaml:"linsight"`
	LLM         LLMConfig         `yaml:"llm"`
	Knowledge   KnowledgeConfig   `yaml:"knowledge"`
	Auth        AuthConfig        `yaml:"auth"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
}

// APIServerConfig API Server 配置
type APIServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig 主存储配置
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mongodb" 或 "memory"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 MONGO_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	URI      string `yaml:"uri"` // 优先于 host/port
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 优先于 host/port/db
}

// EtcdConfig etcd 配置（分布式锁）
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`     // 会话文件 bucket
	TmpBucket string `yaml:"tmp_bucket"` // 上传临时 bucket
}

// VectorStoreConfig 向量 + 关键词索引配置
type VectorStoreConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" 或 "postgres"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 VECTOR_DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// LockConfig 分布式锁配置
type LockConfig struct {
	Driver string `yaml:"driver"` // "redis"、"etcd" 或 "memory"
}

// LinsightConfig 工作台执行配置
type LinsightConfig struct {
	QueueName         string        `yaml:"queue_name"`
	PopTimeout        time.Duration `yaml:"pop_timeout"`
	Workers           int           `yaml:"workers"`
	MaxToolIterations int           `yaml:"max_tool_iterations"`
	ReplanAttempts    int           `yaml:"replan_attempts"`
	AliveWarning      time.Duration `yaml:"alive_warning"`
	BusTTL            time.Duration `yaml:"bus_ttl"`
	ReconcileIdle     time.Duration `yaml:"reconcile_idle"`
	UserInputTimeout  time.Duration `yaml:"user_input_timeout"`
	ShareLinkTTL      time.Duration `yaml:"share_link_ttl"`
	SOPRetrieveCount  int           `yaml:"sop_retrieve_count"`
}

// LLMConfig 模型门面配置
type LLMConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RemarkMaxLen   int           `yaml:"remark_max_len"`
	MetricsPrefix  string        `yaml:"metrics_prefix"`
}

// KnowledgeConfig 知识库重建配置
type KnowledgeConfig struct {
	CollectionPrefix string `yaml:"collection_prefix"`
	EmbedBatchSize   int    `yaml:"embed_batch_size"`
	QueueName        string `yaml:"queue_name"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	JWTSecret string `yaml:"-"` // 只从 JWT_SECRET 环境变量读取
	Disabled  bool   `yaml:"disabled"`
}

// SandboxConfig 代码解释器沙箱配置
type SandboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Image    string        `yaml:"image"`
	MemoryMB int64         `yaml:"memory_mb"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	APIPort        string
	Log            logging.Config
	DatabaseDriver string
	DatabaseURL    string
	DatabaseName   string
	RedisURL       string
	Etcd           EtcdConfig
	MinIO          MinIOConfig
	VectorDriver   string
	VectorURL      string
	Lock           LockConfig
	Linsight       LinsightConfig
	LLM            LLMConfig
	Knowledge      KnowledgeConfig
	Auth           AuthConfig
	Sandbox        SandboxConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
