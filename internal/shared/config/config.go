package config

import (
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/worldwonderer/proxy-for-spiders/internal/shared/types"
)

// LoadIni 加载 tower.ini 行为配置文件，并应用环境变量覆盖。
// cfg 中已有的值作为默认值，ini 中缺失的键不会覆盖它们。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	ApplyEnv(cfg)
	return nil
}

// ApplyEnv 用环境变量覆盖存储和端口配置。
func ApplyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.StoreConf.Addr, "REDIS_ADDR")
	overrideFromEnvString(&cfg.StoreConf.Password, "REDIS_PASSWORD")
	overrideFromEnvInt(&cfg.StoreConf.DB, "REDIS_DB")
	overrideFromEnvInt(&cfg.CommonConf.Port, "TOWER_PORT")
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
