// Package gateway registers per-port subdomains at the TLS gateway that
// fronts agent VMs, so a dev server listening inside a VM is reachable at
// https://<agent>-<port>.<root domain>. Registrations are mirrored into
// the repository and torn down when the agent archives.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agent/models"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/config"
	apperrors "github.com/ariana-dot-dev/ariana-sub004/internal/common/errors"
	"github.com/ariana-dot-dev/ariana-sub004/internal/common/logger"
)

// Store is the slice of the repository the registry needs.
type Store interface {
	CreateAgentDomain(ctx context.Context, domain *models.AgentDomain) error
	GetAgentDomain(ctx context.Context, agentID string, port int) (*models.AgentDomain, error)
	ListAgentDomains(ctx context.Context, agentID string) ([]*models.AgentDomain, error)
	DeleteAgentDomain(ctx context.Context, id string) error
}

// PortDomainRegistry manages gateway routes for agent ports. A nil-safe
// zero configuration (empty admin URL) disables the feature.
type PortDomainRegistry struct {
	store      Store
	httpClient *http.Client
	adminURL   string
	rootDomain string
	logger     *logger.Logger
}

// NewPortDomainRegistry creates a registry against the gateway admin API.
func NewPortDomainRegistry(store Store, cfg config.GatewayConfig, log *logger.Logger) *PortDomainRegistry {
	return &PortDomainRegistry{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		adminURL:   strings.TrimRight(cfg.AdminURL, "/"),
		rootDomain: cfg.RootDomain,
		logger:     log.WithFields(zap.String("component", "port-domain-registry")),
	}
}

// Enabled reports whether a gateway admin endpoint is configured.
func (r *PortDomainRegistry) Enabled() bool {
	return r.adminURL != ""
}

type routeRequest struct {
	Domain string `json:"domain"`
	Target string `json:"target"`
}

// Register exposes machineIP:port under a deterministic subdomain and
// records the registration. Registering an already-exposed port returns
// the existing domain.
func (r *PortDomainRegistry) Register(ctx context.Context, agentID, machineIP string, port int) (string, error) {
	if !r.Enabled() {
		return "", apperrors.Validation("port domain gateway is not configured")
	}
	if port <= 0 || port > 65535 {
		return "", apperrors.Newf(apperrors.KindValidation, "invalid port %d", port)
	}

	existing, err := r.store.GetAgentDomain(ctx, agentID, port)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.Domain, nil
	}

	domain := fmt.Sprintf("%s-%d.%s", shortID(agentID), port, r.rootDomain)
	target := fmt.Sprintf("http://%s:%d", machineIP, port)
	if err := r.putRoute(ctx, domain, target); err != nil {
		return "", fmt.Errorf("failed to register gateway route: %w", err)
	}

	row := &models.AgentDomain{
		AgentID: agentID,
		Port:    port,
		Domain:  domain,
		Target:  target,
	}
	if err := r.store.CreateAgentDomain(ctx, row); err != nil {
		// Roll the route back so the gateway does not hold an orphan.
		if delErr := r.deleteRoute(ctx, domain); delErr != nil {
			r.logger.Warn("failed to roll back gateway route",
				zap.String("domain", domain), zap.Error(delErr))
		}
		return "", err
	}

	r.logger.Info("registered port domain",
		zap.String("agent_id", agentID),
		zap.Int("port", port),
		zap.String("domain", domain))
	return domain, nil
}

// Unregister removes one port's route and row. Unknown ports are a no-op.
func (r *PortDomainRegistry) Unregister(ctx context.Context, agentID string, port int) error {
	row, err := r.store.GetAgentDomain(ctx, agentID, port)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	return r.remove(ctx, row)
}

// ReleaseAll drops every registration for an agent. Called on archive; the
// gateway side is best effort, rows always go.
func (r *PortDomainRegistry) ReleaseAll(ctx context.Context, agentID string) error {
	rows, err := r.store.ListAgentDomains(ctx, agentID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := r.remove(ctx, row); err != nil {
			r.logger.Warn("failed to release port domain",
				zap.String("domain", row.Domain), zap.Error(err))
		}
	}
	return nil
}

// List returns the agent's current registrations.
func (r *PortDomainRegistry) List(ctx context.Context, agentID string) ([]*models.AgentDomain, error) {
	return r.store.ListAgentDomains(ctx, agentID)
}

func (r *PortDomainRegistry) remove(ctx context.Context, row *models.AgentDomain) error {
	if r.Enabled() {
		if err := r.deleteRoute(ctx, row.Domain); err != nil {
			r.logger.Warn("failed to delete gateway route",
				zap.String("domain", row.Domain), zap.Error(err))
		}
	}
	if err := r.store.DeleteAgentDomain(ctx, row.ID); err != nil && !apperrors.IsKind(err, apperrors.KindNotFound) {
		return err
	}
	r.logger.Info("unregistered port domain",
		zap.String("agent_id", row.AgentID),
		zap.Int("port", row.Port),
		zap.String("domain", row.Domain))
	return nil
}

func (r *PortDomainRegistry) putRoute(ctx context.Context, domain, target string) error {
	body, err := json.Marshal(&routeRequest{Domain: domain, Target: target})
	if err != nil {
		return fmt.Errorf("failed to marshal route: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", r.adminURL+"/routes", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return fmt.Errorf("gateway route create failed: status %d", resp.StatusCode)
		}
		return fmt.Errorf("gateway route create failed: %s (status %d)", errResp.Error, resp.StatusCode)
	}
	return nil
}

func (r *PortDomainRegistry) deleteRoute(ctx context.Context, domain string) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", r.adminURL+"/routes/"+domain, nil)
	if err != nil {
		return err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("gateway route delete failed: status %d", resp.StatusCode)
	}
	return nil
}

// shortID keeps subdomains readable. 12 hex chars of the uuid are unique
// enough within one deployment.
func shortID(agentID string) string {
	id := strings.ReplaceAll(agentID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return strings.ToLower(id)
}
