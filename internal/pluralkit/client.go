package pluralkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notifybridge/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public PluralKit v2 API.
	DefaultBaseURL        = "https://api.pluralkit.me/v2"
	defaultRequestTimeout = 5 * time.Second
	defaultRatePerSecond  = 2
	defaultBurst          = 4
	maxResponseBytes      = 1 << 20
	breakerName           = "pluralkit-api"
	userAgent             = "notifybridge (+https://github.com/MarcoPoloResearchLab/notifybridge)"

	opGroupProfile  = "group_profile"
	opGroupMembers  = "group_members"
	opProxiedSender = "proxied_sender"
)

// ErrInvalidClientConfig indicates the client could not be constructed.
var ErrInvalidClientConfig = errors.New("pluralkit: invalid client config")

var (
	errMissingSubject   = errors.New("subject id must not be empty")
	errMissingMessageID = errors.New("message id must not be empty")
	errCallerDone       = errors.New("caller context ended")
)

// Provider is the set of identity lookups the resolution engine consumes.
type Provider interface {
	FetchGroupProfile(ctx context.Context, subjectID string) (GroupProfile, error)
	FetchGroupMembers(ctx context.Context, subjectID string) ([]GroupMember, error)
	FetchProxiedSenderProfile(ctx context.Context, messageID string) (SenderProfile, error)
}

// ClientConfig configures the HTTP identity provider client.
type ClientConfig struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	RatePerSecond  float64
	Burst          int
	BreakerTimeout time.Duration
	Logger         *zap.Logger
}

// Client issues unauthenticated GET lookups against the identity service.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker[[]byte]
	logger         *zap.Logger
}

// NewClient validates configuration and constructs a client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", ErrInvalidClientConfig, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Limit(cfg.RatePerSecond)
	burst := cfg.Burst
	switch {
	case cfg.RatePerSecond < 0:
		limit = rate.Inf
	case cfg.RatePerSecond == 0:
		limit = rate.Limit(defaultRatePerSecond)
	}
	if burst <= 0 {
		burst = defaultBurst
	}

	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = time.Minute
	}

	client := &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		limiter:        rate.NewLimiter(limit, burst),
		logger:         logger,
	}
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	client.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsKind(err, ErrorKindNotFound)
		},
		// A request abandoned by its caller says nothing about upstream health.
		IsExcluded: func(err error) bool {
			return errors.Is(err, errCallerDone) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state transition",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return client, nil
}

// FetchGroupProfile loads the identity group registered for the subject.
func (c *Client) FetchGroupProfile(ctx context.Context, subjectID string) (GroupProfile, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return GroupProfile{}, newProviderError(ErrorKindNotFound, opGroupProfile, 0, errMissingSubject)
	}
	var payload systemPayload
	if err := c.get(ctx, opGroupProfile, "/systems/"+url.PathEscape(subjectID), &payload); err != nil {
		return GroupProfile{}, err
	}
	return payload.profile(), nil
}

// FetchGroupMembers loads the ordered list of members currently fronting for the subject.
func (c *Client) FetchGroupMembers(ctx context.Context, subjectID string) ([]GroupMember, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, newProviderError(ErrorKindNotFound, opGroupMembers, 0, errMissingSubject)
	}
	var payload frontersPayload
	if err := c.get(ctx, opGroupMembers, "/systems/"+url.PathEscape(subjectID)+"/fronters", &payload); err != nil {
		return nil, err
	}
	members := make([]GroupMember, 0, len(payload.Members))
	for _, member := range payload.Members {
		members = append(members, member.member())
	}
	return members, nil
}

// FetchProxiedSenderProfile resolves the identity behind a proxied message.
func (c *Client) FetchProxiedSenderProfile(ctx context.Context, messageID string) (SenderProfile, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return SenderProfile{}, newProviderError(ErrorKindNotFound, opProxiedSender, 0, errMissingMessageID)
	}
	var payload messagePayload
	if err := c.get(ctx, opProxiedSender, "/messages/"+url.PathEscape(messageID), &payload); err != nil {
		return SenderProfile{}, err
	}
	return payload.sender(), nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		c.record(op, ErrorKindNetwork.String())
		return newProviderError(ErrorKindNetwork, op, 0, err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	body, err := c.breaker.Execute(func() ([]byte, error) {
		body, err := c.fetch(requestCtx, op, path)
		if err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", errCallerDone, err)
		}
		return body, err
	})
	if err != nil {
		var providerErr *ProviderError
		if errors.As(err, &providerErr) {
			c.record(op, providerErr.Kind.String())
			return providerErr
		}
		c.record(op, "rejected")
		c.logger.Debug("identity request rejected", zap.String("operation", op), zap.Error(err))
		return newProviderError(ErrorKindNetwork, op, 0, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		c.record(op, ErrorKindDecode.String())
		return newProviderError(ErrorKindDecode, op, 0, err)
	}
	c.record(op, "success")
	return nil
}

func (c *Client) fetch(ctx context.Context, op, path string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, newProviderError(ErrorKindNetwork, op, 0, fmt.Errorf("create request: %w", err))
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", userAgent)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, newProviderError(ErrorKindNetwork, op, 0, err)
	}
	defer response.Body.Close() //nolint:errcheck

	if response.StatusCode == http.StatusNotFound {
		return nil, newProviderError(ErrorKindNotFound, op, response.StatusCode, errors.New("resource not found"))
	}
	if response.StatusCode >= http.StatusBadRequest {
		return nil, newProviderError(ErrorKindNetwork, op, response.StatusCode, fmt.Errorf("unexpected status %s", response.Status))
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, newProviderError(ErrorKindNetwork, op, response.StatusCode, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

func (c *Client) record(op, result string) {
	metrics.ProviderRequests.WithLabelValues(op, result).Inc()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
