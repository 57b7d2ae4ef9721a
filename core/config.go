package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Env      string // DEV (default), TEST, QA, PROD
		Debug    bool
		TestMode bool
		Build    string

		AppName         string
		SecretKey       string
		FrontendBaseURL string
		DefaultFromName string
		DefaultFromAddr string
		SendgridAPIKey  string
		RollbarToken    string

		PasswordResetTimeoutDelta time.Duration

		Server    ServerConfig
		Database  DatabaseConfig
		Timetable TimetableConfig
	}

	ServerConfig struct {
		Host                      string
		Addr                      string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine     string
		Host       string
		Port       string
		User       string
		Password   string
		Name       string
		DisableTLS bool
	}

	TimetableConfig struct {
		// HTTPTimeout bounds every outbound call to an upstream timetable
		// provider. A hung upstream must not stall requests indefinitely.
		HTTPTimeout time.Duration
		// DefaultPeriod is the assumed event duration when a provider
		// supplies no explicit end time.
		DefaultPeriod time.Duration
		// DefaultTimezone applies when a provider payload declares none.
		DefaultTimezone string
		// MaxRedirectHops bounds the login redirect-follow chain.
		MaxRedirectHops int
		// MaxOccurrences caps recurrence expansion per iCal event.
		MaxOccurrences int
		// RefreshSpec is a cron expression for the background snapshot
		// refresher; empty disables it.
		RefreshSpec string
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Config) DefaultFromEmail() mail.Address {
	return mail.Address{Name: c.DefaultFromName, Address: c.DefaultFromAddr}
}

func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("build", "dev")
	v.SetDefault("appName", "Schoolyard")
	v.SetDefault("secretKey", "w3lc0me-t0-th3-p0rtal-ch4ng3-m3-1n-pr0d")
	v.SetDefault("frontendBaseURL", "http://localhost:3000")
	v.SetDefault("defaultFromName", "Schoolyard")
	v.SetDefault("defaultFromAddr", "noreply@localhost")
	v.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "schoolyard")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("timetable.httpTimeout", 15*time.Second)
	v.SetDefault("timetable.defaultPeriod", 50*time.Minute)
	v.SetDefault("timetable.defaultTimezone", "Australia/Sydney")
	v.SetDefault("timetable.maxRedirectHops", 10)
	v.SetDefault("timetable.maxOccurrences", 5000)
	v.SetDefault("timetable.refreshSpec", "")

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return &Config{
		Env:             env,
		Debug:           v.GetBool("debug"),
		TestMode:        env == "TEST",
		Build:           v.GetString("build"),
		AppName:         v.GetString("appName"),
		SecretKey:       v.GetString("secretKey"),
		FrontendBaseURL: v.GetString("frontendBaseURL"),
		DefaultFromName: v.GetString("defaultFromName"),
		DefaultFromAddr: v.GetString("defaultFromAddr"),
		SendgridAPIKey:  v.GetString("sendgridAPIKey"),
		RollbarToken:    v.GetString("rollbarToken"),

		PasswordResetTimeoutDelta: v.GetDuration("passwordResetTimeoutDelta"),

		Server: ServerConfig{
			Host:                      v.GetString("server.host"),
			Addr:                      v.GetString("server.addr"),
			ShutdownTimeout:           v.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("server.jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:     v.GetString("database.engine"),
			Host:       v.GetString("database.host"),
			Port:       v.GetString("database.port"),
			User:       v.GetString("database.user"),
			Password:   v.GetString("database.password"),
			Name:       v.GetString("database.name"),
			DisableTLS: v.GetBool("database.disableTLS"),
		},
		Timetable: TimetableConfig{
			HTTPTimeout:     v.GetDuration("timetable.httpTimeout"),
			DefaultPeriod:   v.GetDuration("timetable.defaultPeriod"),
			DefaultTimezone: v.GetString("timetable.defaultTimezone"),
			MaxRedirectHops: v.GetInt("timetable.maxRedirectHops"),
			MaxOccurrences:  v.GetInt("timetable.maxOccurrences"),
			RefreshSpec:     v.GetString("timetable.refreshSpec"),
		},
	}
}
