package servicediscover

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"smallbiznis-referral/pkg/config"

	"github.com/hashicorp/consul/api"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("servicediscover", fx.Invoke(registerConsul))

type ServiceRegistry interface {
	Register(ctx context.Context) error
	Deregister(ctx context.Context) error
}

type ConsulRegistry struct {
	client    *api.Client
	serviceID string
	service   *api.AgentServiceRegistration
}

// NewRegistration describes the HTTP API to consul. The check polls the
// readiness endpoint so a member whose database is unreachable drops out.
func NewRegistration(cfg *config.Config) (*api.AgentServiceRegistration, error) {
	port, err := strconv.Atoi(cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("servicediscover: invalid http port %q: %w", cfg.Server.Addr, err)
	}

	host := cfg.Consul.ServiceHost
	if host == "" {
		host, _ = os.Hostname()
	}

	return &api.AgentServiceRegistration{
		ID:      fmt.Sprintf("%s-%s-%d", cfg.AppName, host, cfg.NodeID),
		Name:    cfg.AppName,
		Address: host,
		Port:    port,
		Tags:    []string{cfg.AppEnv, cfg.AppVersion},
		Check: &api.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d/readyz", host, port),
			Interval: "10s",
			Timeout:  "5s",
		},
	}, nil
}

func NewConsulRegistry(address string, service *api.AgentServiceRegistration) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = address

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	return &ConsulRegistry{
		client:    client,
		serviceID: service.ID,
		service:   service,
	}, nil
}

func (r *ConsulRegistry) Register(ctx context.Context) error {
	return r.client.Agent().ServiceRegisterOpts(r.service, api.ServiceRegisterOpts{}.WithContext(ctx))
}

func (r *ConsulRegistry) Deregister(ctx context.Context) error {
	return r.client.Agent().ServiceDeregisterOpts(r.serviceID, (&api.QueryOptions{}).WithContext(ctx))
}

func registerConsul(lc fx.Lifecycle, cfg *config.Config) error {
	if cfg.Consul.Addr == "" {
		return nil
	}

	service, err := NewRegistration(cfg)
	if err != nil {
		return err
	}

	registry, err := NewConsulRegistry(cfg.Consul.Addr, service)
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.Register(ctx); err != nil {
				zap.L().Error("[Consul] failed to register service", zap.String("service_id", service.ID), zap.Error(err))
				return err
			}
			zap.L().Info("[Consul] service registered", zap.String("service_id", service.ID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return registry.Deregister(ctx)
		},
	})

	return nil
}
