// Package environment carries the deployment stage through request contexts
// so handlers and log records can tell production traffic from staging.
//
//	env, err := environment.Parse(os.Getenv("APP_ENV"))
//	r.Use(environment.Middleware(env))
package environment
