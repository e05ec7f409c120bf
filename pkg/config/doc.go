// Package config loads billingd settings from the environment.
//
// It wraps github.com/joho/godotenv for .env files and
// github.com/caarlos0/env/v11 for struct tags. Each config struct type is
// parsed once and cached, so packages can call Load for the same type without
// re-reading the environment.
//
//	type appConfig struct {
//		PlansFile string `env:"BILLING_PLANS_FILE" envDefault:"plans.yaml"`
//	}
//
//	var cfg appConfig
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
// A struct implementing [Validator] is checked after parsing; a failure is
// reported as [ErrInvalidConfig] and the value is not cached.
//
// Tests can call [ResetCache] or [ForceReload] after changing variables.
package config
