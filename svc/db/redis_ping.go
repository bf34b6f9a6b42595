package db

import (
	"context"
	"time"
)

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := "ciphernotes:health:" + time.Now().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, key, "ok", 5*time.Second).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, key).Err()
}
