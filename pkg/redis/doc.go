// Package redis connects the usage counter backend to a Redis server.
//
// Connect retries the initial ping with exponential back-off so billingd can
// start alongside a Redis container that is still booting. Healthcheck plugs
// the client into the /readyz check.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	counters := redisstore.NewCounters(client)
//	ping := redis.Healthcheck(client)
package redis
