package kong

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/gateway"
	"github.com/perchlabs/roost/internal/util"
	"github.com/perchlabs/roost/model"
)

// managedTag marks every Kong object this system owns. ListRoutes filters
// on it so operator-created services are never touched.
const managedTag = "roost"

// KongAdmin drives the Kong admin API. One service and one route exist per
// agent: service named after the agent, route named <agent>-route.
type KongAdmin struct {
	adminURL string
	client   *http.Client
}

func NewKongAdmin(adminURL string) gateway.Admin {
	return &KongAdmin{
		adminURL: strings.TrimRight(adminURL, "/"),
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func routeName(agentID string) string {
	return agentID + "-route"
}

func (k *KongAdmin) UpsertRoute(ctx context.Context, route model.GatewayRoute) error {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Kong/UpsertRoute")
	defer span.End()

	service := map[string]any{
		"name": route.AgentID,
		"url":  fmt.Sprintf("http://%s:%d", route.BackendHost, route.BackendPort),
		"tags": []string{managedTag},
	}
	if err := k.put(ctx, "/services/"+route.AgentID, service); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("upsert service %s: %w", route.AgentID, err)
	}

	kongRoute := map[string]any{
		"name":       routeName(route.AgentID),
		"service":    map[string]string{"name": route.AgentID},
		"paths":      []string{route.PathPrefix},
		"strip_path": true,
		"tags":       []string{managedTag},
	}
	if err := k.put(ctx, "/routes/"+routeName(route.AgentID), kongRoute); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("upsert route %s: %w", routeName(route.AgentID), err)
	}

	return nil
}

func (k *KongAdmin) DeleteRoute(ctx context.Context, agentID string) error {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Kong/DeleteRoute")
	defer span.End()

	// route first, the service cannot be deleted while a route points at it
	if err := k.delete(ctx, "/routes/"+routeName(agentID)); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("delete route %s: %w", routeName(agentID), err)
	}
	if err := k.delete(ctx, "/services/"+agentID); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("delete service %s: %w", agentID, err)
	}
	return nil
}

func (k *KongAdmin) ListRoutes(ctx context.Context) ([]model.GatewayRoute, error) {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Kong/ListRoutes")
	defer span.End()

	services, err := k.listServices(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	var routes []model.GatewayRoute
	next := "/routes?tags=" + managedTag
	for next != "" {
		var page struct {
			Data []struct {
				Name    string   `json:"name"`
				Paths   []string `json:"paths"`
				Service struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"service"`
			} `json:"data"`
			Next string `json:"next"`
		}
		if err := k.get(ctx, next, &page); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}

		for _, r := range page.Data {
			agentID := strings.TrimSuffix(r.Name, "-route")
			route := model.GatewayRoute{AgentID: agentID}
			if len(r.Paths) > 0 {
				route.PathPrefix = r.Paths[0]
			}
			if backend, ok := services[agentID]; ok {
				route.BackendHost = backend.host
				route.BackendPort = backend.port
			}
			routes = append(routes, route)
		}
		next = page.Next
	}

	return routes, nil
}

type serviceBackend struct {
	host string
	port int
}

func (k *KongAdmin) listServices(ctx context.Context) (map[string]serviceBackend, error) {
	services := make(map[string]serviceBackend)
	next := "/services?tags=" + managedTag
	for next != "" {
		var page struct {
			Data []struct {
				Name string `json:"name"`
				Host string `json:"host"`
				Port int    `json:"port"`
			} `json:"data"`
			Next string `json:"next"`
		}
		if err := k.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, s := range page.Data {
			services[s.Name] = serviceBackend{host: s.Host, port: s.Port}
		}
		next = page.Next
	}
	return services, nil
}

func (k *KongAdmin) put(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, k.adminURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return k.do(req, nil)
}

func (k *KongAdmin) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.adminURL+path, nil)
	if err != nil {
		return err
	}
	return k.do(req, out)
}

func (k *KongAdmin) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, k.adminURL+path, nil)
	if err != nil {
		return err
	}
	return k.do(req, nil)
}

func (k *KongAdmin) do(req *http.Request, out any) error {
	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// deleting something already gone is fine
	if resp.StatusCode == http.StatusNotFound && req.Method == http.MethodDelete {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("kong admin %s %s: %s: %s", req.Method, req.URL.Path, resp.Status, string(body))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
