package huskar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ocx/huskar/internal/longpoll"
	"github.com/ocx/huskar/internal/resilience"
)

func decodeInstancePayload(raw string) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ServiceState is a registered instance's health, mirroring
// huskar_sdk_v2's ServiceInstance.state.
type ServiceState string

const (
	ServiceUp   ServiceState = "up"
	ServiceDown ServiceState = "down"
)

// ServiceDescriptor is the document a ServiceRegistry posts on Register.
// Ports must include a "main" entry — it is the one health checks use.
type ServiceDescriptor struct {
	Name  string                 `json:"name"`
	IP    string                 `json:"ip"`
	Ports map[string]int         `json:"port"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
	State ServiceState           `json:"state"`
}

func (d ServiceDescriptor) validate() error {
	if _, ok := d.Ports["main"]; !ok {
		return fmt.Errorf("huskar: service descriptor missing a \"main\" port")
	}
	if d.State != ServiceUp && d.State != ServiceDown {
		return fmt.Errorf("huskar: service descriptor state must be %q or %q", ServiceUp, ServiceDown)
	}
	return nil
}

// Fingerprint implements spec.md's instance fingerprint rule: the
// MESOS_TASK_ID environment variable if set, else "{ip}_{main_port}".
func (d ServiceDescriptor) Fingerprint() string {
	if id := os.Getenv("MESOS_TASK_ID"); id != "" {
		return id
	}
	return d.IP + "_" + strconv.Itoa(d.Ports["main"])
}

// ServiceRegistry is the write-side facade: it registers, heartbeats
// (re-registers), and deregisters this process's own service instance
// against the separate HTTP registration endpoint. Grounded on
// huskar_sdk_v2's http/service_registry.py ServiceRegistry, adapted to
// use internal/resilience.Do instead of requests' urllib3.Retry adapter.
type ServiceRegistry struct {
	service string
	cluster string

	baseURL     string
	tokenSource longpoll.TokenSource
	soaMode     string
	httpClient  *http.Client
	policy      resilience.Policy
}

func newServiceRegistry(baseURL, service, cluster string, tokenSource longpoll.TokenSource, soaMode string, httpClient *http.Client) *ServiceRegistry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ServiceRegistry{
		service:     service,
		cluster:     cluster,
		baseURL:     baseURL,
		tokenSource: tokenSource,
		soaMode:     soaMode,
		httpClient:  httpClient,
		policy:      resilience.DefaultPolicy(),
	}
}

func (r *ServiceRegistry) path() string {
	return fmt.Sprintf("%s/api/service/%s/%s", r.baseURL, r.service, r.cluster)
}

func (r *ServiceRegistry) applyHeaders(req *http.Request) error {
	token, err := r.tokenSource.Token()
	if err != nil {
		return fmt.Errorf("huskar: resolve registration token: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if r.soaMode != "" {
		req.Header.Set("X-SOA-Mode", r.soaMode)
		req.Header.Set("X-Cluster-Name", r.cluster)
	}
	return nil
}

// Register posts descriptor under its own Fingerprint, retried per
// internal/resilience.DefaultPolicy. Call it again on a timer to
// heartbeat; the endpoint treats repeated registration as idempotent.
func (r *ServiceRegistry) Register(ctx context.Context, descriptor ServiceDescriptor) (string, error) {
	if err := descriptor.validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("huskar: encode service descriptor: %w", err)
	}
	fingerprint := descriptor.Fingerprint()
	form := url.Values{"key": {fingerprint}, "value": {string(body)}}

	resp, err := resilience.Do(ctx, r.httpClient, r.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.path(), strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		if err := r.applyHeaders(req); err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("huskar: register service instance: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("huskar: register service instance: unexpected status %d", resp.StatusCode)
	}

	slog.Info("huskar: registered service instance", "service", r.service, "cluster", r.cluster, "fingerprint", fingerprint)
	return fingerprint, nil
}

// Deregister removes fingerprint from the service's instance list. Errors
// are logged and swallowed — a deregister failure during shutdown should
// never block process exit; the instance will age out once its heartbeats
// stop.
func (r *ServiceRegistry) Deregister(ctx context.Context, fingerprint string) {
	form := url.Values{"key": {fingerprint}}

	resp, err := resilience.Do(ctx, r.httpClient, r.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.path(), strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		if err := r.applyHeaders(req); err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		slog.Warn("huskar: deregister service instance failed", "service", r.service, "cluster", r.cluster, "fingerprint", fingerprint, "err", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}
