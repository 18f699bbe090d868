// Package registry publishes container endpoints into the external TTL
// key-value store. Keys expire unless refreshed, so every healthy check
// re-publishes; a container that dies silently ages out of the registry on
// its own.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	clientv3 "go.etcd.io/etcd/client/v3"

	"kiruna/internal/config"
	"kiruna/internal/constants"
	"kiruna/internal/logger"
)

// kv is the store operation the registry needs. The etcd client satisfies it
// in production; tests substitute a recorder.
type kv interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Close() error
}

// Registry writes service endpoints under
// <prefix><service>/<ip>:<index>:<containerPort> with a TTL.
type Registry struct {
	store  kv
	prefix string
	ip     string
	ttl    time.Duration
}

// New builds a registry from the manifest's Registration block. A missing
// host IP is a configuration error; nothing can be published without it.
func New(cfg *config.Registration) (*Registry, error) {
	if cfg.Ip == "" {
		return nil, fmt.Errorf("registration requires a host Ip")
	}

	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{"http://127.0.0.1:2379"}
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: constants.RegistryDialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect registration store: %w", err)
	}

	return &Registry{
		store:  &etcdKV{cli: cli},
		prefix: cfg.Prefix,
		ip:     cfg.Ip,
		ttl:    cfg.TTL(),
	}, nil
}

// Close releases the store connection.
func (r *Registry) Close() error {
	return r.store.Close()
}

// Key returns the registry key for one published container port. The slash
// in the port spec is flattened so the key stays a two-level path.
func (r *Registry) Key(service string, index int, containerPort string) string {
	port := strings.ReplaceAll(containerPort, "/", "_")
	return fmt.Sprintf("%s%s/%s:%d:%s", r.prefix, service, r.ip, index, port)
}

// PublishContainer writes one key per bound container port. Individual write
// failures are logged and reported but never fatal to the container.
func (r *Registry) PublishContainer(ctx context.Context, service string, index int, ports nat.PortMap) error {
	var firstErr error
	for containerPort, bindings := range ports {
		if len(bindings) == 0 {
			continue
		}
		hostPort := bindings[0].HostPort
		key := r.Key(service, index, string(containerPort))
		value := fmt.Sprintf("%s:%s", r.ip, hostPort)

		if err := r.store.Put(ctx, key, value, r.ttl); err != nil {
			logger.WithFields(logger.Fields{
				"service": service,
				"key":     key,
			}).WithError(err).Error("Registry write failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to register %s: %w", key, err)
			}
			continue
		}

		logger.WithFields(logger.Fields{
			"service": service,
			"key":     key,
			"value":   value,
		}).Debug("Endpoint registered")
	}
	return firstErr
}

// etcdKV adapts the etcd v3 client to the kv seam. Each put rides a fresh
// lease so the key expires ttl after the last successful refresh.
type etcdKV struct {
	cli *clientv3.Client
}

func (e *etcdKV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	lease, err := e.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := e.cli.Put(ctx, key, value, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

func (e *etcdKV) Close() error {
	return e.cli.Close()
}
