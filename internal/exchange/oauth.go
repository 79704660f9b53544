package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/auth"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	tokenPath      = "/oauth2/token"
	tokenAPIID     = "au10001"
	expiresLayout  = "20060102150405"
	defaultTimeout = 10 * time.Second
)

// OAuthConfig configures the venue token endpoint.
type OAuthConfig struct {
	BaseURL   string
	AppKey    string
	SecretKey string

	// Location is the zone expires_dt is expressed in. Defaults to Asia/Seoul.
	Location *time.Location

	HTTPClient *http.Client
}

// OAuthIssuer obtains bearer tokens with the client-credentials grant.
type OAuthIssuer struct {
	cfg OAuthConfig
}

var _ auth.Issuer = (*OAuthIssuer)(nil)

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type tokenResponse struct {
	ExpiresDt  string     `json:"expires_dt"`
	TokenType  string     `json:"token_type"`
	Token      string     `json:"token"`
	ReturnCode returnCode `json:"return_code"`
	ReturnMsg  string     `json:"return_msg"`
}

// NewOAuthIssuer validates cfg and applies defaults.
func NewOAuthIssuer(cfg OAuthConfig) (*OAuthIssuer, error) {
	if cfg.AppKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: app key and secret key are required", ErrInvalidConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRESTBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Location == nil {
		loc, err := time.LoadLocation("Asia/Seoul")
		if err != nil {
			loc = time.FixedZone("KST", 9*60*60)
		}
		cfg.Location = loc
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	return &OAuthIssuer{cfg: cfg}, nil
}

// IssueToken requests a fresh token. A missing expires_dt yields a zero ExpiresAt,
// which the token cache resolves from the token itself.
func (o *OAuthIssuer) IssueToken(ctx context.Context) (auth.Token, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    o.cfg.AppKey,
		SecretKey: o.cfg.SecretKey,
	})
	if err != nil {
		return auth.Token{}, fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return auth.Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("api-id", tokenAPIID)

	resp, err := o.cfg.HTTPClient.Do(req)
	if err != nil {
		return auth.Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return auth.Token{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return auth.Token{}, fmt.Errorf("token endpoint returned %s: %s", resp.Status, bytes.TrimSpace(raw))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return auth.Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.ReturnCode != 0 {
		return auth.Token{}, fmt.Errorf("token endpoint rejected credentials: code=%d msg=%q", tr.ReturnCode, tr.ReturnMsg)
	}
	if tr.Token == "" {
		return auth.Token{}, fmt.Errorf("token endpoint returned an empty token")
	}

	tok := auth.Token{Value: tr.Token}
	if tr.ExpiresDt != "" {
		exp, err := time.ParseInLocation(expiresLayout, tr.ExpiresDt, o.cfg.Location)
		if err != nil {
			log.Warn().Err(err).Str("expires_dt", tr.ExpiresDt).Msg("unparseable token expiry, deferring to cache")
		} else {
			tok.ExpiresAt = exp
		}
	}
	return tok, nil
}
