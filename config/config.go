package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configFileEnvName = "CARTSYNC_CONFIG_FILE"

const (
	DeviceStoreFile  = "file"
	DeviceStoreRedis = "redis"
)

type auth struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type cart struct {
	MergeGuestOnLogin bool          `mapstructure:"merge_guest_on_login"`
	MaxIdleCarts      int           `mapstructure:"max_idle_carts"`
	PublishTimeout    time.Duration `mapstructure:"publish_timeout"`
}

type deviceStore struct {
	Driver         string        `mapstructure:"driver"`
	Dir            string        `mapstructure:"dir"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisKeyPrefix string        `mapstructure:"redis_key_prefix"`
	RedisChannel   string        `mapstructure:"redis_channel"`
	RedisTTL       time.Duration `mapstructure:"redis_ttl"`
}

type tlsFiles struct {
	CA   string `mapstructure:"ca"`
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
}

func (t tlsFiles) Enabled() bool {
	return t.CA != "" && t.Cert != "" && t.Key != ""
}

type topics struct {
	CartEvents string `mapstructure:"cart_events"`
}

type broker struct {
	SeedBrokers        []string `mapstructure:"seed_brokers"`
	SchemaRegistryURLs []string `mapstructure:"schema_registry_urls"`
	TLS                tlsFiles `mapstructure:"tls"`
	Topics             topics   `mapstructure:"topics"`
}

// Enabled reports whether cart events are published and consumed.
func (b broker) Enabled() bool {
	return len(b.SeedBrokers) != 0
}

type Config struct {
	LogLevel       slog.Level  `mapstructure:"log_level"`
	HTTPServerAddr string      `mapstructure:"http_server_addr"`
	SQLDB          string      `mapstructure:"sql_db"`
	InstanceID     string      `mapstructure:"instance_id"`
	Auth           auth        `mapstructure:"auth"`
	Cart           cart        `mapstructure:"cart"`
	DeviceStore    deviceStore `mapstructure:"device_store"`
	Broker         broker      `mapstructure:"broker"`
}

func Load() Config {
	cfg, err := LoadFile(getConfigFilepath())
	if err != nil {
		die(err)
	}
	return cfg
}

// LoadFile reads, defaults and validates the config at path.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	err := v.UnmarshalExact(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return Config{}, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("http_server_addr", ":8080")
	v.SetDefault("cart.max_idle_carts", 1024)
	v.SetDefault("cart.publish_timeout", "5s")
	v.SetDefault("device_store.driver", DeviceStoreFile)
	v.SetDefault("device_store.dir", "./data/carts")
	v.SetDefault("device_store.redis_key_prefix", "cartsync:cart:")
	v.SetDefault("device_store.redis_channel", "cartsync:cart-changes")
	v.SetDefault("device_store.redis_ttl", "720h")
	v.SetDefault("broker.topics.cart_events", "cart_events")
}

func (c Config) validate() error {
	var errs []error

	if c.SQLDB == "" {
		errs = append(errs, errors.New("sql_db: required"))
	}

	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance_id: required"))
	}

	switch c.DeviceStore.Driver {
	case DeviceStoreFile:
		if c.DeviceStore.Dir == "" {
			errs = append(errs, errors.New("device_store.dir: required"))
		}
	case DeviceStoreRedis:
		if c.DeviceStore.RedisAddr == "" {
			errs = append(errs, errors.New("device_store.redis_addr: required"))
		}
	default:
		errs = append(errs, fmt.Errorf(
			"device_store.driver: unknown %q", c.DeviceStore.Driver,
		))
	}

	if c.Broker.Enabled() && len(c.Broker.SchemaRegistryURLs) == 0 {
		errs = append(errs, errors.New("broker.schema_registry_urls: required"))
	}

	return errors.Join(errs...)
}

func getConfigFilepath() string {
	cmdLine := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	arg := cmdLine.String("config", "/config.yaml", "config file")
	_ = cmdLine.Parse(os.Args[1:])
	env, ok := os.LookupEnv(configFileEnvName)
	if ok {
		return env
	}
	return *arg
}

func die(err error) {
	fmt.Printf("failed to load config file: %v\n", err)
	os.Exit(2)
}

func (c Config) Print() {
	tamplate := `
	General:
	LogLevel=%q
	HTTPServerAddr=%q
	InstanceID=%q
	SQLDB=%t
	JWTSecret=%t
	JWTIssuer=%q
	MergeGuestOnLogin=%t
	MaxIdleCarts=%d
	PublishTimeout=%s

	DeviceStore:
	Driver=%q
	Dir=%q
	RedisAddr=%q
	RedisKeyPrefix=%q
	RedisChannel=%q
	RedisTTL=%s

	BrokerConfig:
	SeedBrokers=%q
	SchemaRegistryURLs=%q
	TLS=%t
	Topics:
		CartEvents=%q

`
	fmt.Println("Loaded config:")
	fmt.Printf(
		strings.TrimLeft(tamplate, "\n"),
		c.LogLevel,
		c.HTTPServerAddr,
		c.InstanceID,
		c.SQLDB != "",
		c.Auth.JWTSecret != "",
		c.Auth.JWTIssuer,
		c.Cart.MergeGuestOnLogin,
		c.Cart.MaxIdleCarts,
		c.Cart.PublishTimeout,
		c.DeviceStore.Driver,
		c.DeviceStore.Dir,
		c.DeviceStore.RedisAddr,
		c.DeviceStore.RedisKeyPrefix,
		c.DeviceStore.RedisChannel,
		c.DeviceStore.RedisTTL,
		c.Broker.SeedBrokers,
		c.Broker.SchemaRegistryURLs,
		c.Broker.TLS.Enabled(),
		c.Broker.Topics.CartEvents,
	)
}
