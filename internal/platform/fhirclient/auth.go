package fhirclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type AuthType string

const (
	AuthNone   AuthType = "None"
	AuthBasic  AuthType = "Basic"
	AuthBearer AuthType = "Bearer"
	// AuthOAuth2 is the client-credentials grant with a signed JWT client
	// assertion, as used by Epic backend services.
	AuthOAuth2 AuthType = "OAuth2"
)

type Placement string

const (
	PlacementHeader Placement = "header"
	PlacementQuery  Placement = "query"
)

const defaultQueryParam = "access_token"

// AuthConfig is the per-facility upstream authentication setting.
type AuthConfig struct {
	Type AuthType `json:"authType"`
	// Key is the PEM private key for OAuth2 or the static token for Bearer.
	Key        string    `json:"key,omitempty"`
	TokenURL   string    `json:"tokenUrl,omitempty"`
	Audience   string    `json:"audience,omitempty"`
	ClientID   string    `json:"clientId,omitempty"`
	UserName   string    `json:"userName,omitempty"`
	Password   string    `json:"password,omitempty"`
	Placement  Placement `json:"placement,omitempty"`
	QueryParam string    `json:"queryParam,omitempty"`
}

// ParseAuthType accepts the type names case-insensitively; "Epic" is an
// alias for OAuth2 and an empty value means None.
func ParseAuthType(s string) (AuthType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return AuthNone, nil
	case "basic":
		return AuthBasic, nil
	case "bearer":
		return AuthBearer, nil
	case "oauth2", "epic":
		return AuthOAuth2, nil
	default:
		return "", fmt.Errorf("invalid auth type: %s", s)
	}
}

func (c AuthConfig) Validate() error {
	t, err := ParseAuthType(string(c.Type))
	if err != nil {
		return err
	}
	switch t {
	case AuthBasic:
		if c.UserName == "" || c.Password == "" {
			return fmt.Errorf("basic auth requires userName and password")
		}
	case AuthBearer:
		if c.Key == "" {
			return fmt.Errorf("bearer auth requires key")
		}
	case AuthOAuth2:
		if c.TokenURL == "" || c.ClientID == "" || c.Audience == "" {
			return fmt.Errorf("oauth2 auth requires tokenUrl, clientId and audience")
		}
		if c.Key == "" {
			return fmt.Errorf("oauth2 auth requires key")
		}
		if _, err := url.ParseRequestURI(c.TokenURL); err != nil {
			return fmt.Errorf("invalid tokenUrl: %w", err)
		}
	}
	switch c.Placement {
	case "", PlacementHeader, PlacementQuery:
	default:
		return fmt.Errorf("invalid auth placement: %s", c.Placement)
	}
	return nil
}

// credential is what gets attached to an outbound request.
type credential struct {
	scheme string
	value  string
}

func (c credential) apply(req *http.Request, cfg AuthConfig) {
	if c.value == "" {
		return
	}
	if cfg.Placement == PlacementQuery {
		name := cfg.QueryParam
		if name == "" {
			name = defaultQueryParam
		}
		q := req.URL.Query()
		q.Set(name, c.value)
		req.URL.RawQuery = q.Encode()
		return
	}
	req.Header.Set("Authorization", c.scheme+" "+c.value)
}

type cachedToken struct {
	value   string
	expires time.Time
}

// Authenticator resolves credentials per facility and caches OAuth2 access
// tokens until shortly before they expire.
type Authenticator struct {
	client *http.Client
	now    func() time.Time
	skew   time.Duration

	mu     sync.Mutex
	tokens map[string]cachedToken
}

func NewAuthenticator(client *http.Client) *Authenticator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Authenticator{client: client, now: time.Now, skew: 30 * time.Second, tokens: make(map[string]cachedToken)}
}

// Apply attaches the facility's credential to req.
func (a *Authenticator) Apply(ctx context.Context, req *http.Request, facilityID string, cfg AuthConfig) error {
	c, err := a.credential(ctx, facilityID, cfg)
	if err != nil {
		return err
	}
	c.apply(req, cfg)
	return nil
}

func (a *Authenticator) credential(ctx context.Context, facilityID string, cfg AuthConfig) (credential, error) {
	t, err := ParseAuthType(string(cfg.Type))
	if err != nil {
		return credential{}, err
	}
	switch t {
	case AuthNone:
		return credential{}, nil
	case AuthBasic:
		raw := base64.StdEncoding.EncodeToString([]byte(cfg.UserName + ":" + cfg.Password))
		return credential{scheme: "Basic", value: raw}, nil
	case AuthBearer:
		return credential{scheme: "Bearer", value: cfg.Key}, nil
	default:
		tok, err := a.accessToken(ctx, facilityID, cfg)
		if err != nil {
			return credential{}, err
		}
		return credential{scheme: "Bearer", value: tok}, nil
	}
}

// Invalidate drops a cached token, e.g. after the upstream rejected it.
func (a *Authenticator) Invalidate(facilityID string) {
	a.mu.Lock()
	delete(a.tokens, facilityID)
	a.mu.Unlock()
}

func (a *Authenticator) accessToken(ctx context.Context, facilityID string, cfg AuthConfig) (string, error) {
	a.mu.Lock()
	if tok, ok := a.tokens[facilityID]; ok && a.now().Before(tok.expires) {
		a.mu.Unlock()
		return tok.value, nil
	}
	a.mu.Unlock()

	assertion, err := a.clientAssertion(cfg)
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", &FetchError{URL: cfg.TokenURL, Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{StatusCode: resp.StatusCode, URL: cfg.TokenURL, Message: "token request rejected"}
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	tok := strings.TrimSpace(strings.NewReplacer("\t", "", "\n", "", "\r", "").Replace(tr.AccessToken))
	if tok == "" {
		return "", fmt.Errorf("token response for facility %s has no access_token", facilityID)
	}

	if tr.ExpiresIn > 0 {
		exp := a.now().Add(time.Duration(tr.ExpiresIn)*time.Second - a.skew)
		a.mu.Lock()
		a.tokens[facilityID] = cachedToken{value: tok, expires: exp}
		a.mu.Unlock()
	}
	return tok, nil
}

// clientAssertion signs the RS256 JWT presented to the token endpoint.
func (a *Authenticator) clientAssertion(cfg AuthConfig) (string, error) {
	pem := strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t").Replace(cfg.Key)
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return "", fmt.Errorf("parse oauth2 private key: %w", err)
	}

	aud := cfg.Audience
	if aud == "" {
		aud = cfg.TokenURL
	}
	now := a.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    cfg.ClientID,
		Subject:   cfg.ClientID,
		Audience:  jwt.ClaimStrings{aud},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(4 * time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["typ"] = "JWT"
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return signed, nil
}
