package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/domain"
)

// RESTLookup queries the employee directory service for role records.
type RESTLookup struct {
	client *resty.Client
}

type roleRecord struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func NewRESTLookup(baseURL string, timeout time.Duration) *RESTLookup {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &RESTLookup{client: client}
}

func (l *RESTLookup) RoleFor(ctx context.Context, id domain.IdentityID) (domain.Role, error) {
	var rec roleRecord
	resp, err := l.client.R().
		SetContext(ctx).
		SetResult(&rec).
		SetPathParam("id", string(id)).
		Get("/api/v1/employees/{id}/role")
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", domain.ErrRoleNotFound
	default:
		log.Warn().Str("module", "directory").Int("status", resp.StatusCode()).Str("identity", string(id)).Msg("unexpected directory status")
		return "", fmt.Errorf("directory lookup: status %d", resp.StatusCode())
	}
	if rec.Role == "" {
		return "", domain.ErrRoleNotFound
	}
	return domain.Role(rec.Role), nil
}
