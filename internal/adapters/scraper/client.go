package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

// Client выполняет запросы к шлюзу неофициального API провайдера.
// Все вызовы проходят через общий глобальный лимитер запросов.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
}

var _ domain.ProviderClient = (*Client)(nil)

// NewClient создаёт клиента шлюза.
func NewClient(baseURL, apiKey string, globalRPS int, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("scraper: base url is empty")
	}
	if globalRPS <= 0 {
		globalRPS = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Limit(globalRPS), globalRPS),
	}, nil
}

type versioned interface {
	checkVersion() error
}

func (c *Client) do(ctx context.Context, operation, path string, reqBody any, out versioned) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("scraper: limiter: %w", err)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("scraper: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("scraper: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("scraper", operation, path, start, err)
		return fmt.Errorf("scraper: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("scraper", operation, path, start, err)
		return fmt.Errorf("scraper: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiErrorResponse
		if unmarshalErr := json.Unmarshal(respBody, &apiErr); unmarshalErr == nil && apiErr.Error.Message != "" {
			err = fmt.Errorf("scraper: %s", apiErr.Error.Message)
		} else {
			err = fmt.Errorf("scraper: unexpected status %d", resp.StatusCode)
		}
		metrics.ObserveNetworkRequest("scraper", operation, path, start, err)
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		metrics.ObserveNetworkRequest("scraper", operation, path, start, err)
		return fmt.Errorf("scraper: decode response: %w", err)
	}
	if err := out.checkVersion(); err != nil {
		metrics.ObserveNetworkRequest("scraper", operation, path, start, err)
		return err
	}
	metrics.ObserveNetworkRequest("scraper", operation, path, start, nil)
	return nil
}

func (c *Client) sessionFromResponse(resp sessionResponse) (domain.ProviderSession, error) {
	if resp.Challenge != nil {
		return nil, &domain.ChallengeRequiredError{
			Kind:   resp.Challenge.Kind,
			Prompt: resp.Challenge.Prompt,
			Flow:   resp.Challenge.Flow,
		}
	}
	if len(resp.Cookies) == 0 {
		return nil, errors.New("scraper: ответ без cookies")
	}
	if err := resp.Profile.Validate(); err != nil {
		return nil, err
	}
	return &session{client: c, cookies: resp.Cookies, self: resp.Profile}, nil
}

// Login реализует domain.ProviderClient. Если провайдер требует
// подтверждение входа, возвращает *domain.ChallengeRequiredError.
func (c *Client) Login(ctx context.Context, handle, email, password string) (domain.ProviderSession, error) {
	var resp sessionResponse
	if err := c.do(ctx, "login", "/v1/login", loginRequest{Handle: handle, Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	return c.sessionFromResponse(resp)
}

// ResumeLogin реализует domain.ProviderClient: завершает вход кодом
// подтверждения, используя состояние, выданное при первом вызове.
func (c *Client) ResumeLogin(ctx context.Context, flow []byte, code string) (domain.ProviderSession, error) {
	var resp sessionResponse
	if err := c.do(ctx, "resume_login", "/v1/login/resume", resumeLoginRequest{Flow: flow, Code: code}, &resp); err != nil {
		return nil, err
	}
	return c.sessionFromResponse(resp)
}

// Restore реализует domain.ProviderClient: проверяет сохранённые cookies
// и возвращает готовую сессию.
func (c *Client) Restore(ctx context.Context, cookies []byte) (domain.ProviderSession, error) {
	var resp sessionResponse
	if err := c.do(ctx, "restore", "/v1/session/restore", restoreRequest{Cookies: cookies}, &resp); err != nil {
		return nil, err
	}
	return c.sessionFromResponse(resp)
}

// session — живая сессия провайдера, привязанная к cookie-блобу.
type session struct {
	client  *Client
	cookies []byte
	self    domain.ProviderProfile
}

// Export возвращает cookie-блоб для сохранения в БД.
func (s *session) Export(ctx context.Context) ([]byte, error) {
	return s.cookies, nil
}

// Self возвращает профиль владельца сессии.
func (s *session) Self(ctx context.Context) (domain.ProviderProfile, error) {
	return s.self, nil
}

// Profile возвращает профиль аккаунта по его handle.
func (s *session) Profile(ctx context.Context, handle string) (domain.ProviderProfile, error) {
	var resp profileResponse
	err := s.client.do(ctx, "profile", "/v1/profile", struct {
		Cookies []byte `json:"cookies"`
		Handle  string `json:"handle"`
	}{Cookies: s.cookies, Handle: handle}, &resp)
	if err != nil {
		return domain.ProviderProfile{}, err
	}
	if err := resp.Profile.Validate(); err != nil {
		return domain.ProviderProfile{}, err
	}
	return resp.Profile, nil
}

// RecentPosts возвращает свежие посты аккаунта, новые первыми.
func (s *session) RecentPosts(ctx context.Context, externalID string, limit int) ([]domain.ProviderPost, error) {
	var resp postsResponse
	err := s.client.do(ctx, "recent_posts", "/v1/posts", postsRequest{Cookies: s.cookies, ExternalID: externalID, Limit: limit}, &resp)
	if err != nil {
		return nil, err
	}
	for _, post := range resp.Posts {
		if err := post.Validate(); err != nil {
			return nil, err
		}
	}
	return resp.Posts, nil
}
