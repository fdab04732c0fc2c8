package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/stellar/go-stellar-sdk/network"

	awspkg "github.com/stellardevsa/marketplace/pkg/aws"
	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

const (
	SignerCallback = "callback"
	SignerRemote   = "remote"
	SignerKeypair  = "keypair"

	LockRedis  = "redis"
	LockMemory = "memory"
)

type Config struct {
	Env         string
	ServiceName string
	Port        string

	RedisURL       string
	CartTTL        time.Duration
	IdempotencyTTL time.Duration

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string

	HorizonURL        string
	NetworkPassphrase string
	AssetCode         string
	AssetIssuer       string
	ValidityWindow    time.Duration
	HorizonTimeout    time.Duration
	BreakerFailures   uint32
	BreakerCooldown   time.Duration

	SignerMode       string
	SignerURL        string
	SignerSecret     string
	SignatureTimeout time.Duration

	LockBackend      string
	LockTTL          time.Duration
	AttemptRetention time.Duration

	AWSUseSecrets       bool
	SNSTopicArn         string
	KafkaBrokers        []string
	KafkaTopic          string
	CloudWatchEnabled   bool
	CloudWatchNamespace string
	CloudWatchLogGroup  string

	JWTSecret      string
	CORSOrigins    []string
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
}

// Load reads configuration from the environment and an optional .env file.
// With AWS_USE_SECRETS=true the database credentials and signer seed are
// taken from Secrets Manager.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	if cfg.AWSUseSecrets {
		awsCfg, err := awspkg.LoadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplySecrets(ctx, awspkg.NewSecretsClient(awsCfg)); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from environment variables without validating it.
func FromEnv() (*Config, error) {
	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		d, err := getDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	num := func(key string, def int) int {
		n, err := getInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return n
	}

	rate, err := strconv.ParseFloat(getEnv("RATE_LIMIT_RPS", "10"), 64)
	if err != nil {
		errs = append(errs, "RATE_LIMIT_RPS: "+err.Error())
	}

	cfg := &Config{
		Env:         getEnv("APP_ENV", "development"),
		ServiceName: getEnv("SERVICE_NAME", "checkout-service"),
		Port:        getEnv("PORT", "8089"),

		RedisURL:       getEnv("REDIS_URL", "redis://redis:6379"),
		CartTTL:        dur("CART_TTL", 7*24*time.Hour),
		IdempotencyTTL: dur("IDEMPOTENCY_TTL", 24*time.Hour),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     os.Getenv("POSTGRES_HOST"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		HorizonURL:        getEnv("HORIZON_URL", "https://horizon-testnet.stellar.org"),
		NetworkPassphrase: networkPassphrase(getEnv("STELLAR_NETWORK", "testnet")),
		AssetCode:         os.Getenv("ASSET_CODE"),
		AssetIssuer:       os.Getenv("ASSET_ISSUER"),
		ValidityWindow:    dur("TX_VALIDITY_WINDOW", services.DefaultValidityWindow),
		HorizonTimeout:    dur("HORIZON_TIMEOUT", 30*time.Second),
		BreakerFailures:   uint32(num("HORIZON_BREAKER_FAILURES", 5)),
		BreakerCooldown:   dur("HORIZON_BREAKER_COOLDOWN", 30*time.Second),

		SignerMode:       strings.ToLower(getEnv("SIGNER_MODE", SignerCallback)),
		SignerURL:        os.Getenv("SIGNER_URL"),
		SignerSecret:     os.Getenv("SIGNER_SECRET"),
		SignatureTimeout: dur("SIGNATURE_TIMEOUT", 2*time.Minute),

		LockBackend:      strings.ToLower(getEnv("LOCK_BACKEND", LockRedis)),
		LockTTL:          dur("CHECKOUT_LOCK_TTL", services.DefaultLockTTL),
		AttemptRetention: dur("ATTEMPT_RETENTION", services.DefaultRetention),

		AWSUseSecrets:       os.Getenv("AWS_USE_SECRETS") == "true",
		SNSTopicArn:         os.Getenv("SNS_CHECKOUT_TOPIC_ARN"),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "checkout.events"),
		CloudWatchEnabled:   os.Getenv("CLOUDWATCH_ENABLED") == "true",
		CloudWatchNamespace: getEnv("CLOUDWATCH_NAMESPACE", "StellarMarket"),
		CloudWatchLogGroup:  os.Getenv("CLOUDWATCH_LOG_GROUP"),

		JWTSecret:      os.Getenv("JWT_SECRET"),
		CORSOrigins:    splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		RateLimit:      rate,
		RateBurst:      num("RATE_LIMIT_BURST", 20),
		RequestTimeout: dur("REQUEST_TIMEOUT", 30*time.Second),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// ApplySecrets overrides database credentials from checkout/DB_CREDENTIALS
// and the signer seed from checkout/SIGNER_SECRET. A missing secret leaves
// the environment values in place.
func (c *Config) ApplySecrets(ctx context.Context, sg awspkg.SecretGetter) error {
	if m, err := awspkg.GetSecretMap(ctx, sg, "checkout/DB_CREDENTIALS"); err == nil {
		override(&c.PostgresUser, m["POSTGRES_USER"])
		override(&c.PostgresPassword, m["POSTGRES_PASSWORD"])
		override(&c.PostgresDB, m["POSTGRES_DB"])
		override(&c.PostgresHost, m["POSTGRES_HOST"])
		override(&c.PostgresPort, m["POSTGRES_PORT"])
	}

	if c.SignerMode == SignerKeypair {
		seed, err := sg.GetSecret(ctx, "checkout/SIGNER_SECRET")
		if err != nil && c.SignerSecret == "" {
			return fmt.Errorf("loading signer secret: %w", err)
		}
		override(&c.SignerSecret, strings.TrimSpace(seed))
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.SignerMode {
	case SignerCallback:
	case SignerRemote:
		if c.SignerURL == "" {
			return fmt.Errorf("SIGNER_URL is required when SIGNER_MODE=remote")
		}
	case SignerKeypair:
		if _, err := keypair.ParseFull(c.SignerSecret); err != nil {
			return fmt.Errorf("SIGNER_SECRET is not a valid secret seed")
		}
	default:
		return fmt.Errorf("unknown SIGNER_MODE %q", c.SignerMode)
	}

	if c.LockBackend != LockRedis && c.LockBackend != LockMemory {
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	if c.ValidityWindow < time.Second || c.ValidityWindow > services.MaxValidityWindow {
		return fmt.Errorf("TX_VALIDITY_WINDOW must be between 1s and %s", services.MaxValidityWindow)
	}
	if (c.AssetCode == "") != (c.AssetIssuer == "") {
		return fmt.Errorf("ASSET_CODE and ASSET_ISSUER must be set together")
	}
	if c.AssetIssuer != "" {
		if _, err := keypair.ParseAddress(c.AssetIssuer); err != nil {
			return fmt.Errorf("ASSET_ISSUER is not a valid account address")
		}
	}
	if c.LockTTL <= c.MinLockTTL() {
		return fmt.Errorf("CHECKOUT_LOCK_TTL must exceed %s (SIGNATURE_TIMEOUT plus %d HORIZON_TIMEOUT round trips)", c.MinLockTTL(), horizonCallsPerAttempt)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	return nil
}

// horizonCallsPerAttempt counts the Horizon round trips made under the
// account lock: account read, fee read, submission.
const horizonCallsPerAttempt = 3

// MinLockTTL is the longest an attempt can hold its locks before submission
// returns.
func (c *Config) MinLockTTL() time.Duration {
	return c.SignatureTimeout + horizonCallsPerAttempt*c.HorizonTimeout
}

// DatabaseEnabled reports whether the attempt log has a database to write to.
func (c *Config) DatabaseEnabled() bool {
	return c.PostgresHost != "" && c.PostgresUser != "" && c.PostgresDB != ""
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresSSLMode)
}

func (c *Config) Asset() services.Asset {
	return services.Asset{Code: c.AssetCode, Issuer: c.AssetIssuer}
}

func networkPassphrase(name string) string {
	switch strings.ToLower(name) {
	case "testnet", "test":
		return network.TestNetworkPassphrase
	case "public", "mainnet", "pubnet":
		return network.PublicNetworkPassphrase
	default:
		return name
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
