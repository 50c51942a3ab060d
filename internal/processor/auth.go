package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/checkout-gateway/internal/obs"
)

const (
	loginPath = "/api/v1/authentication/login"
	tokenSkew = time.Minute
)

type loginResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	Data        struct {
		Token string `json:"token"`
	} `json:"data"`
}

func (r loginResponse) value() string {
	for _, v := range []string{r.Token, r.AccessToken, r.Data.Token} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// Token returns a bearer token, logging in when the cached one is missing or
// about to expire.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	h := http.Header{}
	h.Set("x-client-id", c.cfg.ClientID)
	h.Set("x-api-key", c.cfg.APIKey)

	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, loginPath, h, nil, &resp); err != nil {
		obs.CountTokenRefresh("error")
		var pe *Error
		if errors.As(err, &pe) {
			return "", fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return "", err
	}
	token := resp.value()
	if token == "" {
		obs.CountTokenRefresh("empty")
		return "", fmt.Errorf("%w: login response carried no token", ErrAuth)
	}
	obs.CountTokenRefresh("ok")

	c.token = token
	c.tokenExp = c.expiry(token)
	return token, nil
}

// expiry reads the exp claim without verifying the signature; the token is
// only ever sent back to its issuer. Opaque tokens fall back to TokenTTL.
func (c *Client) expiry(token string) time.Time {
	now := c.now()
	parsed, err := jwt.ParseString(token, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil || parsed.Expiration().IsZero() {
		return now.Add(c.cfg.TokenTTL)
	}
	return parsed.Expiration().Add(-tokenSkew)
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.tokenExp = time.Time{}
	}
}
