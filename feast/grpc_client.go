package feast

import (
	"context"
	"fmt"

	feastsdk "github.com/feast-dev/feast/sdk/go"

	"github.com/rushteam/recalltune/core"
)

// Fetcher 按实体查询在线特征，返回与 entities 一一对应的行。
type Fetcher interface {
	Fetch(ctx context.Context, features []string, entities []feastsdk.Row) ([]feastsdk.Row, error)
}

// GrpcFetcher 基于官方 Feast Go SDK 的 gRPC 实现。
type GrpcFetcher struct {
	client  *feastsdk.GrpcClient
	project string
}

// NewGrpcFetcher 连接 Feast Serving。
func NewGrpcFetcher(cfg Config) (*GrpcFetcher, error) {
	host, port, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	var client *feastsdk.GrpcClient
	if cfg.Token != "" || cfg.TLS {
		security := feastsdk.SecurityConfig{EnableTLS: cfg.TLS}
		if cfg.Token != "" {
			security.Credential = feastsdk.NewStaticCredential(cfg.Token)
		}
		client, err = feastsdk.NewSecureGrpcClient(host, port, security)
	} else {
		client, err = feastsdk.NewGrpcClient(host, port)
	}
	if err != nil {
		return nil, core.NewDomainError(core.ModuleFeast, core.ErrorCodeUnavailable,
			fmt.Sprintf("connect feast %s:%d: %v", host, port, err))
	}
	return &GrpcFetcher{client: client, project: cfg.Project}, nil
}

func (f *GrpcFetcher) Fetch(ctx context.Context, features []string, entities []feastsdk.Row) ([]feastsdk.Row, error) {
	resp, err := f.client.GetOnlineFeatures(ctx, &feastsdk.OnlineFeaturesRequest{
		Features: features,
		Entities: entities,
		Project:  f.project,
	})
	if err != nil {
		return nil, core.NewDomainError(core.ModuleFeast, core.ErrorCodeUnavailable,
			"get online features: "+err.Error())
	}
	return resp.Rows(), nil
}

// Close 连接由 SDK 内部的 gRPC 管理，这里只释放引用。
func (f *GrpcFetcher) Close() error {
	f.client = nil
	return nil
}

var _ Fetcher = (*GrpcFetcher)(nil)
