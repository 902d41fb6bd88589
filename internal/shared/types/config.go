package types

import "time"

// CommonConf 包含转发代理的核心行为配置
type CommonConf struct {
	Port            int      `ini:"port"`
	Timeout         int      `ini:"timeout"`    // 单次代理尝试的超时 (秒)
	Concurrent      int      `ini:"concurrent"` // 每次竞速并发的代理数
	PoolSize        int      `ini:"pool_size"`  // 每个 pattern 代理池的最小数量
	Style           string   `ini:"style"`      // 选择策略: score / shuffle
	GlobalBlacklist []string `ini:"global_blacklist" delim:","`
}

// StoreConf 描述持久化后端
type StoreConf struct {
	Backend  string `ini:"backend"` // redis / memory
	Addr     string `ini:"addr"`
	Password string `ini:"password"`
	DB       int    `ini:"db"`
	Snapshot string `ini:"snapshot"` // memory 后端的快照文件
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// DashboardConf 包含管理接口的配置
type DashboardConf struct {
	WebPort        int    `ini:"web_port"`
	WebUser        string `ini:"web_user"`
	WebPassword    string `ini:"web_password"`
	StatusInterval int    `ini:"status_interval"` // websocket 推送状态的间隔 (秒)
}

// MaintainConf 定时维护任务
type MaintainConf struct {
	Schedule string `ini:"schedule"`
}

// SourcesConf 外部代理来源
type SourcesConf struct {
	File         string   `ini:"file"`
	API          string   `ini:"api"`
	APIValidTime int      `ini:"api_valid_time"`
	Scrapers     []string `ini:"scrapers" delim:","`
}

// Config 是整个程序的统一配置结构体
type Config struct {
	CommonConf    `ini:"common"`
	StoreConf     `ini:"store"`
	LogConf       `ini:"log"`
	DashboardConf `ini:"dashboard"`
	MaintainConf  `ini:"maintain"`
	SourcesConf   `ini:"sources"`
}

// DefaultConfig 返回默认配置，ini 文件中缺失的键保持这些值。
func DefaultConfig() *Config {
	return &Config{
		CommonConf: CommonConf{
			Port:       8893,
			Timeout:    10,
			Concurrent: 10,
			PoolSize:   50,
			Style:      "score",
			GlobalBlacklist: []string{
				"antispider",
				"forbidden",
				"This is the default welcome page",
				"you've successfully installed Tomcat",
			},
		},
		StoreConf: StoreConf{
			Backend: "redis",
			Addr:    "127.0.0.1:6379",
		},
		LogConf: LogConf{Level: "info"},
		DashboardConf: DashboardConf{
			WebPort:        8894,
			WebUser:        "admin",
			StatusInterval: 10,
		},
		MaintainConf: MaintainConf{Schedule: "@every 5m"},
		SourcesConf: SourcesConf{
			File:         "./conf/proxy.txt",
			API:          "http://118.24.52.95/get_all/",
			APIValidTime: 300,
		},
	}
}

// AttemptTimeout 返回单次代理尝试的超时时间。
func (c *Config) AttemptTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}
