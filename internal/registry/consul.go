package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulRegistry handles service registration with Consul
type ConsulRegistry struct {
	client     *api.Client
	serviceID  string
	serverID   string
	serverPort int
}

// NewConsulRegistry creates a new Consul registry
func NewConsulRegistry(addr, serverID, serverPort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(serverPort)
	if err != nil {
		log.Printf("Warning: Failed to parse server port, using default 8080: %v", err)
		port = 8080
	}

	return &ConsulRegistry{
		client:     client,
		serviceID:  serverID,
		serverID:   serverID,
		serverPort: port,
	}, nil
}

// Register registers this server with Consul. The health check points at
// /health/ready rather than a static liveness probe: Consul only routes
// traffic to this instance once its Postgres-backed key/group registries and
// its Redis-backed relay all report ready, not merely once the process is up.
// components lists the subsystems this instance actually serves (e.g.
// "serverkeys,grouprouter,relay") and is published as service metadata so
// peers inspecting the catalog can tell a full node from a partially
// degraded one without probing it directly.
func (c *ConsulRegistry) Register(components string) error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: Failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    "e2ee-server",
		Port:    c.serverPort,
		Address: hostname,
		Tags:    []string{"e2ee", "x3dh", "megolm", "relay"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health/ready", hostname, c.serverPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"server_id":  c.serverID,
			"components": components,
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}

	log.Printf("✅ Registered with Consul: %s (components=%s)", c.serviceID, components)
	return nil
}

// Deregister removes this server from Consul
func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}

	log.Printf("❌ Deregistered from Consul: %s", c.serviceID)
	return nil
}

// GetHealthyServers returns all healthy e2ee servers
func (c *ConsulRegistry) GetHealthyServers() ([]string, error) {
	services, _, err := c.client.Health().Service("e2ee-server", "", true, nil)
	if err != nil {
		return nil, err
	}

	servers := make([]string, 0, len(services))
	for _, service := range services {
		servers = append(servers, service.Service.ID)
	}
	return servers, nil
}

// WatchServices long-polls Consul for changes in the healthy e2ee-server
// pool and invokes callback with the updated member list whenever the set
// changes. It blocks the calling goroutine until ctx is canceled, so callers
// run it alongside graceful shutdown the same way the relay's subscription
// loop is torn down: cancel ctx and let the blocking watch call return.
// The e2ee server itself routes no traffic between peers directly (fan-out
// runs through Redis pub/sub in internal/relay), so this feeds fleet-size
// observability rather than request routing: callers typically wire
// callback to metrics.RecordClusterPeers and a log line so operators can see
// the cluster grow or shrink without polling Consul by hand.
func (c *ConsulRegistry) WatchServices(ctx context.Context, callback func([]string)) {
	var lastIndex uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		type watchResult struct {
			services []*api.ServiceEntry
			meta     *api.QueryMeta
			err      error
		}
		resultCh := make(chan watchResult, 1)
		go func(waitIndex uint64) {
			services, meta, err := c.client.Health().Service("e2ee-server", "", true, &api.QueryOptions{
				WaitIndex: waitIndex,
				WaitTime:  5 * time.Minute,
			})
			resultCh <- watchResult{services, meta, err}
		}(lastIndex)

		select {
		case <-ctx.Done():
			// The long-poll goroutine above is abandoned; it will deliver
			// into resultCh's buffer and be garbage collected once it
			// returns, without blocking this shutdown.
			return
		case res := <-resultCh:
			if res.err != nil {
				log.Printf("Error watching Consul services: %v", res.err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}

			if res.meta.LastIndex != lastIndex {
				lastIndex = res.meta.LastIndex

				servers := make([]string, 0, len(res.services))
				for _, service := range res.services {
					servers = append(servers, service.Service.ID)
				}
				callback(servers)
			}
		}
	}
}
