package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`

	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`

	Database struct {
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBName         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`

	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`

	// Chain configures the payment-streaming contract RPC boundary.
	Chain struct {
		RPCAddr               string        `mapstructure:"RPC_ADDR"`
		ContractAddress       string        `mapstructure:"CONTRACT_ADDRESS"`
		TreasuryWallet        string        `mapstructure:"TREASURY_WALLET"`
		SubmitterKey          string        `mapstructure:"SUBMITTER_KEY"`
		ConfirmationThreshold int64         `mapstructure:"CONFIRMATION_THRESHOLD"`
		MaxRetries            int           `mapstructure:"MAX_RETRIES"`
		RetryBackoffBase      time.Duration `mapstructure:"RETRY_BACKOFF_BASE"`
		RetryBackoffCap       time.Duration `mapstructure:"RETRY_BACKOFF_CAP"`
		ConfirmPollInterval   time.Duration `mapstructure:"CONFIRM_POLL_INTERVAL"`
		SubmittedTimeout      time.Duration `mapstructure:"SUBMITTED_TIMEOUT"`
	} `mapstructure:"CHAIN"`

	Stream struct {
		TickInterval time.Duration `mapstructure:"TICK_INTERVAL"`
	} `mapstructure:"STREAM"`

	Loan struct {
		MinRiskScore        int64   `mapstructure:"MIN_RISK_SCORE"`
		EarningsMultiple    float64 `mapstructure:"EARNINGS_MULTIPLE"`
		MinAccountAgeDays   int     `mapstructure:"MIN_ACCOUNT_AGE_DAYS"`
		MinCompletionRate   float64 `mapstructure:"MIN_COMPLETION_RATE"`
		RepaymentRateBps    int64   `mapstructure:"REPAYMENT_RATE_BPS"`
		TermDays            int     `mapstructure:"TERM_DAYS"`
		DefaultPenaltyDelta int64   `mapstructure:"DEFAULT_PENALTY_DELTA"`
	} `mapstructure:"LOAN"`

	Reputation struct {
		QualityThreshold float64 `mapstructure:"QUALITY_THRESHOLD"`
	} `mapstructure:"REPUTATION"`

	Webhook struct {
		Secret     string `mapstructure:"SECRET"`
		MaxRetries int    `mapstructure:"MAX_RETRIES"`
	} `mapstructure:"WEBHOOK"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		os.Exit(1)
	}

	ApplyDefaults(&cfg)

	if p.Vault != nil {
		client := p.Vault
		ctx := context.Background()

		zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
		cfg.Webhook.Secret = get("webhook_secret")
		cfg.Chain.SubmitterKey = get("chain_submitter_key")
	}

	return &cfg
}

// ApplyDefaults fills the documented operational defaults for values the
// deployment did not pin.
func ApplyDefaults(cfg *Config) {
	if cfg.Chain.ConfirmationThreshold <= 0 {
		cfg.Chain.ConfirmationThreshold = 1
	}
	if cfg.Chain.MaxRetries <= 0 {
		cfg.Chain.MaxRetries = 3
	}
	if cfg.Chain.RetryBackoffBase <= 0 {
		cfg.Chain.RetryBackoffBase = 2 * time.Second
	}
	if cfg.Chain.RetryBackoffCap <= 0 {
		cfg.Chain.RetryBackoffCap = 60 * time.Second
	}
	if cfg.Chain.ConfirmPollInterval <= 0 {
		cfg.Chain.ConfirmPollInterval = 10 * time.Second
	}
	if cfg.Chain.SubmittedTimeout <= 0 {
		cfg.Chain.SubmittedTimeout = 5 * time.Minute
	}
	if cfg.Stream.TickInterval <= 0 {
		cfg.Stream.TickInterval = 60 * time.Second
	}
	if cfg.Loan.MinRiskScore <= 0 {
		cfg.Loan.MinRiskScore = 600
	}
	if cfg.Loan.EarningsMultiple <= 0 {
		cfg.Loan.EarningsMultiple = 1.5
	}
	if cfg.Loan.MinAccountAgeDays <= 0 {
		cfg.Loan.MinAccountAgeDays = 30
	}
	if cfg.Loan.MinCompletionRate <= 0 {
		cfg.Loan.MinCompletionRate = 0.8
	}
	if cfg.Loan.RepaymentRateBps <= 0 {
		cfg.Loan.RepaymentRateBps = 2000
	}
	if cfg.Loan.TermDays <= 0 {
		cfg.Loan.TermDays = 30
	}
	if cfg.Loan.DefaultPenaltyDelta == 0 {
		cfg.Loan.DefaultPenaltyDelta = -25
	}
	if cfg.Reputation.QualityThreshold <= 0 {
		cfg.Reputation.QualityThreshold = 4.5
	}
	if cfg.Webhook.MaxRetries <= 0 {
		cfg.Webhook.MaxRetries = 5
	}
}
