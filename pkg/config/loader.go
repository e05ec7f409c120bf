package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Validator is implemented by config structs that check cross-field rules
// env tags cannot express. Load calls it after parsing and caches nothing
// when it fails.
type Validator interface {
	Validate() error
}

// cache holds one parsed copy per config type, keyed by type name.
type cache struct {
	mu     sync.Mutex
	values map[string]any
}

var (
	globalCache = &cache{values: make(map[string]any)}

	defaultEnvLoaded sync.Once
)

// Load parses the process environment into v. The default .env file is read
// once, if present. Each config type is parsed once per process; later calls
// receive the cached copy.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	defaultEnvLoaded.Do(func() {
		// A missing .env is the normal case outside local development.
		_ = godotenv.Load()
	})

	key := typeKey[T]()

	globalCache.mu.Lock()
	defer globalCache.mu.Unlock()
	if cached, ok := globalCache.values[key]; ok {
		*v = cached.(T)
		return nil
	}
	if err := parse(v); err != nil {
		return err
	}
	globalCache.values[key] = *v
	return nil
}

// MustLoad is Load that panics. For configs the process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("config: load %s: %v", typeKey[T](), err))
	}
}

// ForceReload parses v again, replacing the cached copy. Tests use it after
// changing the environment.
func ForceReload[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}
	key := typeKey[T]()

	globalCache.mu.Lock()
	defer globalCache.mu.Unlock()
	delete(globalCache.values, key)
	if err := parse(v); err != nil {
		return err
	}
	globalCache.values[key] = *v
	return nil
}

// ResetCache forgets every parsed config.
func ResetCache() {
	globalCache.mu.Lock()
	clear(globalCache.values)
	globalCache.mu.Unlock()
}

// LoadEnv reads .env files into the process environment. Later files win
// over earlier ones; variables already set in the process are overwritten.
// Without arguments it reads ./.env.
func LoadEnv(paths ...string) error {
	if err := godotenv.Overload(paths...); err != nil {
		return errors.Join(ErrLoadingEnvFile, err)
	}
	return nil
}

func parse[T any](v *T) error {
	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	if val, ok := any(v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return errors.Join(ErrInvalidConfig, err)
		}
	}
	return nil
}

func typeKey[T any]() string {
	return reflect.TypeFor[T]().String()
}
