// Package config загружает конфигурацию приложения из YAML файла с
// выбором окружения через CONFIG_ENV.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// SIP настройки сигнального транспорта
type SIP struct {
	Server      string        `mapstructure:"server"`
	Domain      string        `mapstructure:"domain"`
	User        string        `mapstructure:"user"`
	DisplayName string        `mapstructure:"display_name"`
	ListenAddr  string        `mapstructure:"listen_addr"`
	Network     string        `mapstructure:"network"`
	Expires     time.Duration `mapstructure:"expires"`
}

// API настройки REST API телефонии
type API struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Conference настройки координатора конференций
type Conference struct {
	Capacity       int           `mapstructure:"capacity"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	PollTTL        time.Duration `mapstructure:"poll_ttl"`
	PollingEnabled bool          `mapstructure:"polling_enabled"`
}

// Config конфигурация приложения
type Config struct {
	SIP         SIP        `mapstructure:"sip"`
	API         API        `mapstructure:"api"`
	Conference  Conference `mapstructure:"conference"`
	MetricsAddr string     `mapstructure:"metrics_addr"`
	LogLevel    string     `mapstructure:"log_level"`
}

// Load читает config/config.<CONFIG_ENV>.yaml. Отсутствующий файл не
// является ошибкой: используются значения по умолчанию.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("sip.listen_addr", "0.0.0.0:5060")
	v.SetDefault("sip.network", "udp")
	v.SetDefault("sip.expires", "1h")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("conference.capacity", 11)
	v.SetDefault("conference.settle_delay", "800ms")
	v.SetDefault("conference.poll_ttl", "5s")
	v.SetDefault("conference.polling_enabled", true)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("конфигурация %s не найдена, используются значения по умолчанию\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("разбор конфигурации: %w", err)
	}
	return &cfg, nil
}
