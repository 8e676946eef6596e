package config

import (
	"log"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// AppConfig — параметры запуска процесса. Всё остальное (токены ботов,
// ключи платёжных шлюзов, домены) живёт в bot_settings и меняется без рестарта.
type AppConfig struct {
	Env           string `env:"ENV" env-default:"prod"`
	ListenAddr    string `env:"LISTEN_ADDR" env-default:":8080"`
	DatabasePath  string `env:"DATABASE_PATH" env-default:"users.db"`
	ShutdownGrace int    `env:"SHUTDOWN_GRACE_SECONDS" env-default:"30"`
}

var AppCfg AppConfig

func LoadConfig() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
	if err := cleanenv.ReadEnv(&AppCfg); err != nil {
		log.Fatalf("cannot read config: %v", err)
	}
}
