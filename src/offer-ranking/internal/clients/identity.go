package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/fixzit/marketplace/src/internal/httpclient"
)

const RoleAdministrator = "marketplace_admin"

type IdentityClient struct {
	baseURL string
	http    *httpclient.Client
}

func NewIdentityClient(baseURL string, opts ...httpclient.Option) *IdentityClient {
	return &IdentityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.NewClient("identity", 5*time.Second, opts...),
	}
}

// IsAdministrator reports whether the user holds the administrator role.
// Unknown users are not administrators.
func (c *IdentityClient) IsAdministrator(ctx context.Context, userID string) (bool, error) {
	var out struct {
		UserID string   `json:"user_id"`
		Roles  []string `json:"roles"`
	}
	err := c.http.GetJSON(ctx, c.baseURL+"/v1/users/"+url.PathEscape(userID), &out)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("identity get user %s: %w", userID, err)
	}
	return slices.Contains(out.Roles, RoleAdministrator), nil
}

// StaticIdentity treats a fixed set of user ids as administrators.
type StaticIdentity map[string]bool

func NewStaticIdentity(adminIDs ...string) StaticIdentity {
	s := make(StaticIdentity, len(adminIDs))
	for _, id := range adminIDs {
		s[id] = true
	}
	return s
}

func (s StaticIdentity) IsAdministrator(_ context.Context, userID string) (bool, error) {
	return s[userID], nil
}
