package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/storycredits/internal/config"
	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagConfigFile         = "config"
	flagEnvFile            = "env-file"
	flagDatabaseURL        = "database-url"
	flagGRPCListenAddr     = "grpc-listen-addr"
	flagHTTPListenAddr     = "http-listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagRequestTimeout     = "request-timeout"
	flagServiceTokenSecret = "service-token-secret"
	flagServiceTokenIssuer = "service-token-issuer"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagSweepEnabled       = "sweep-enabled"
	flagSweepInterval      = "sweep-interval"
	flagSweepLookback      = "sweep-lookback"
	flagSweepBatchSize     = "sweep-batch-size"
	flagEventsSource       = "events-source"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagEventsQueue        = "events-queue"
	flagEventsChannel      = "events-channel"
	flagTierAllowances     = "tier-allowances"
	flagDefaultTier        = "default-tier"
	flagAutoProvision      = "auto-provision"

	envPrefix          = "CREDITD"
	legacyDatabaseEnv  = "DATABASE_URL"
	defaultEnvFile     = ".env"
	commandDescription = "Story credits ledger service"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         commandDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, err := cmd.Flags().GetString(flagEnvFile)
			if err != nil {
				return err
			}
			return loadEnvFile(envFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional config file (yaml, toml or json)")
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded into the environment when present")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database url")
	flags.String(flagGRPCListenAddr, "", "gRPC listen address (defaults to :7000 when no surface is set)")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request ledger timeout")
	flags.String(flagServiceTokenSecret, "", "HS256 secret for service tokens")
	flags.String(flagServiceTokenIssuer, "", "expected service token issuer")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key; enables the /api read endpoints")
	flags.String(flagSessionIssuer, "", "expected TAuth session issuer")
	flags.String(flagSessionCookieName, "", "TAuth session cookie name")
	flags.Bool(flagSweepEnabled, true, "run the compensation sweeper in serve")
	flags.Duration(flagSweepInterval, 0, "compensation sweep interval")
	flags.Duration(flagSweepLookback, 0, "how far back failed attempts are compensated")
	flags.Int(flagSweepBatchSize, 0, "maximum reservations visited per sweep")
	flags.String(flagEventsSource, string(config.EventsNone), "job event transport: none, redis or postgres")
	flags.String(flagRedisAddr, "", "redis address for job events")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database number")
	flags.String(flagEventsQueue, "", "redis list carrying job events")
	flags.String(flagEventsChannel, "", "postgres notification channel carrying job events")
	flags.String(flagTierAllowances, "", "tier allowances, e.g. basic=5,starter=30,creator=100,professional=unmetered")
	flags.String(flagDefaultTier, "", "tier for lazily provisioned accounts")
	flags.Bool(flagAutoProvision, true, "create credit accounts on first use")

	cmd.AddCommand(newServeCommand(), newSweepCommand(), newMigrateCommand(), newTokenCommand())
	return cmd
}

func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// newViper binds flags, CREDITD_* environment variables and the optional
// config file, in that order of precedence.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", legacyDatabaseEnv); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	if configFile := strings.TrimSpace(v.GetString(flagConfigFile)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v, err := newViper(cmd)
	if err != nil {
		return config.Config{}, err
	}
	allowances, err := config.ParseTierAllowances(v.GetString(flagTierAllowances))
	if err != nil {
		return config.Config{}, err
	}
	cfg := config.Config{
		DatabaseURL:        strings.TrimSpace(v.GetString(flagDatabaseURL)),
		GRPCListenAddr:     strings.TrimSpace(v.GetString(flagGRPCListenAddr)),
		HTTPListenAddr:     strings.TrimSpace(v.GetString(flagHTTPListenAddr)),
		AllowedOrigins:     config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		RequestTimeout:     v.GetDuration(flagRequestTimeout),
		ServiceTokenSecret: v.GetString(flagServiceTokenSecret),
		ServiceTokenIssuer: strings.TrimSpace(v.GetString(flagServiceTokenIssuer)),
		SessionSigningKey:  v.GetString(flagSessionSigningKey),
		SessionIssuer:      strings.TrimSpace(v.GetString(flagSessionIssuer)),
		SessionCookieName:  strings.TrimSpace(v.GetString(flagSessionCookieName)),
		SweepEnabled:       v.GetBool(flagSweepEnabled),
		SweepInterval:      v.GetDuration(flagSweepInterval),
		SweepLookback:      v.GetDuration(flagSweepLookback),
		SweepBatchSize:     v.GetInt(flagSweepBatchSize),
		EventsSource:       config.EventsSource(v.GetString(flagEventsSource)),
		RedisAddr:          strings.TrimSpace(v.GetString(flagRedisAddr)),
		RedisPassword:      v.GetString(flagRedisPassword),
		RedisDB:            v.GetInt(flagRedisDB),
		EventsQueue:        strings.TrimSpace(v.GetString(flagEventsQueue)),
		EventsChannel:      strings.TrimSpace(v.GetString(flagEventsChannel)),
		TierAllowances:     allowances,
		AutoProvision:      v.GetBool(flagAutoProvision),
	}
	if raw := strings.TrimSpace(v.GetString(flagDefaultTier)); raw != "" {
		tier, err := ledger.ParseTier(raw)
		if err != nil {
			return config.Config{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		cfg.DefaultTier = tier
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
