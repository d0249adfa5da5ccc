package main

import (
	"context"
	"fmt"

	gcsapi "cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/go-kit/log"

	"github.com/sensorgrid/smartquery/backend"
	"github.com/sensorgrid/smartquery/backend/azure"
	"github.com/sensorgrid/smartquery/backend/gcs"
	"github.com/sensorgrid/smartquery/backend/local"
	"github.com/sensorgrid/smartquery/backend/s3"
	"github.com/sensorgrid/smartquery/cache"
	"github.com/sensorgrid/smartquery/columnar"
	"github.com/sensorgrid/smartquery/engine"
	"github.com/sensorgrid/smartquery/partition"
)

// bootstrap loads configPath and wires up a ready Engine plus a cleanup
// function the caller must defer.
func bootstrap(configPath string) (*engine.Engine, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, func() {}, err
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(logWriter{}))

	var pairs []struct {
		Role    backend.Role
		Backend backend.Backend
	}

	primary, err := buildBackend(*cfg.Primary)
	if err != nil {
		return nil, func() {}, fmt.Errorf("building primary backend: %w", err)
	}
	pairs = append(pairs, struct {
		Role    backend.Role
		Backend backend.Backend
	}{backend.RolePrimary, primary})

	if cfg.Engine.StorageMode == "failover" && cfg.Secondary != nil {
		secondary, err := buildBackend(*cfg.Secondary)
		if err != nil {
			return nil, func() {}, fmt.Errorf("building secondary backend: %w", err)
		}
		pairs = append(pairs, struct {
			Role    backend.Role
			Backend backend.Backend
		}{backend.RoleSecondary, secondary})
	}

	reg := backend.NewRegistry(backend.BackoffConfig{}, pairs...)
	loc := partition.New(partition.Config{AssetListTTL: cfg.Engine.AssetListTTL}, reg, logger)
	rdr := columnar.New(columnar.Config{
		Parallelism:  cfg.Engine.PartitionReadParallelism,
		ReadDeadline: cfg.Engine.PerPartitionDeadline,
	}, reg, logger)

	cm := cache.New(cache.Config{SizeLimitBytes: cfg.Engine.CacheSizeBytes, TTL: cfg.Engine.CacheTTLSeconds})
	if cfg.Engine.Redis != nil {
		cm = cm.WithRemote(cache.NewRedisTier(cache.RedisConfig{
			Endpoint:   cfg.Engine.Redis.Endpoint,
			Expiration: cfg.Engine.Redis.Expiration,
			Timeout:    cfg.Engine.Redis.Timeout,
		}))
	}

	eng := engine.New(cfg.Engine, reg, loc, rdr, cm, logger)
	return eng, func() {}, nil
}

func buildBackend(bc backendConfig) (backend.Backend, error) {
	switch bc.Kind {
	case "", "local":
		if bc.Local == nil {
			return nil, fmt.Errorf("local backend requires a local: section")
		}
		return local.New(*bc.Local)
	case "s3":
		if bc.S3 == nil {
			return nil, fmt.Errorf("s3 backend requires an s3: section")
		}
		return s3.New(s3.Config{
			Endpoint:  bc.S3.Endpoint,
			Bucket:    bc.S3.Bucket,
			AccessKey: bc.S3.AccessKey,
			SecretKey: bc.S3.SecretKey,
			Insecure:  bc.S3.Insecure,
		})
	case "gcs":
		if bc.GCS == nil {
			return nil, fmt.Errorf("gcs backend requires a gcs: section")
		}
		client, err := gcsapi.NewClient(context.Background())
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(gcs.Config{Bucket: bc.GCS.Bucket}, client), nil
	case "azure":
		if bc.Azure == nil {
			return nil, fmt.Errorf("azure backend requires an azure: section")
		}
		cred, err := container.NewSharedKeyCredential(bc.Azure.AccountName, bc.Azure.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("azure credential: %w", err)
		}
		url := fmt.Sprintf("https://%s.blob.core.windows.net/%s", bc.Azure.AccountName, bc.Azure.Container)
		client, err := container.NewClientWithSharedKeyCredential(url, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client: %w", err)
		}
		return azure.New(azure.Config{Container: bc.Azure.Container, AccountName: bc.Azure.AccountName}, client), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", bc.Kind)
	}
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	fmt.Print(string(p))
	return len(p), nil
}
