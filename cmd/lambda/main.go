package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/pkg/errors"

	"ciphernotes/cfg"
	"ciphernotes/svc/app"
	"ciphernotes/svc/util"
)

var (
	initOnce sync.Once
	initErr  error
	proxyV1  *httpadapter.HandlerAdapter
	proxyV2  *httpadapter.HandlerAdapterV2
)

func setup(ctx context.Context) error {
	c, err := cfg.Load()
	if err != nil {
		return err
	}
	// Local memory does not survive between invocations.
	if os.Getenv("STORAGE_BACKEND") == "" {
		c.StorageBackend = "dynamodb"
	}
	util.InitLog(c.LogLevel, false)
	if err := cfg.Validate(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	// Expired items are removed by the DynamoDB TTL attribute and purged
	// lazily on read; a ticker would not outlive the invocation.
	c.SweepInterval = 0
	a, err := app.Build(ctx, c)
	if err != nil {
		return err
	}
	proxyV1 = httpadapter.New(a.Server)
	proxyV2 = httpadapter.NewV2(a.Server)
	util.Info().Str("backend", c.StorageBackend).Msg("lambda handler ready")
	return nil
}

// handle accepts both API Gateway REST (v1) and HTTP API or function URL
// (v2) events.
func handle(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	initOnce.Do(func() { initErr = setup(context.Background()) })
	if initErr != nil {
		util.Error().Err(initErr).Msg("lambda init failed")
		return events.APIGatewayProxyResponse{StatusCode: 500, Body: `{"error":"Internal server error"}`}, nil
	}

	var head struct {
		Version    string `json:"version"`
		HTTPMethod string `json:"httpMethod"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Wrap(err, "decode event")
	}
	if head.Version == "2.0" {
		var req events.APIGatewayV2HTTPRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, errors.Wrap(err, "decode v2 event")
		}
		return proxyV2.ProxyWithContext(ctx, req)
	}
	if head.HTTPMethod == "" {
		return nil, errors.New("unsupported event")
	}
	var req events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.Wrap(err, "decode v1 event")
	}
	return proxyV1.ProxyWithContext(ctx, req)
}

func main() {
	lambda.Start(handle)
}
