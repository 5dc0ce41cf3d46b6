// Package httpsource provides a generic data-source client speaking the
// platform collaborator HTTP contract: identifier-set and count fetches plus
// correction endpoints. One client instance serves one platform backend and
// caches fetch responses in the orchestrator-owned platform cache.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tracklens/trackaudit/internal/orchestrator"
)

const (
	identifiersEndpointConstant        = "identifiers"
	countsEndpointConstant             = "counts"
	correctionsEndpointConstant        = "corrections"
	kindQueryParameterConstant         = "kind"
	periodDaysQueryParameterConstant   = "period_days"
	identifierCacheKeyTemplateConstant = "identifiers:%s"
	countCacheKeyTemplateConstant      = "count:%s:%d"
	defaultRequestTimeoutConstant      = 15 * time.Second
	notConfiguredTemplateConstant      = "%s backend has no base URL configured"
	requestErrorTemplateConstant       = "%s request to %s failed: %w"
	statusErrorTemplateConstant        = "%s request to %s returned status %d"
	decodeErrorTemplateConstant        = "failed to decode %s response from %s: %w"
	cacheHitMessageConstant            = "platform cache hit"
	logFieldPlatformConstant           = "platform"
	logFieldCacheKeyConstant           = "cache_key"
)

// Configuration captures the per-platform connection settings.
type Configuration struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client implements orchestrator.DataSource over the collaborator HTTP
// contract. A client with an empty base URL reports itself unconfigured and
// fails every operation with a typed message instead of probing the network.
type Client struct {
	platform   orchestrator.Platform
	baseURL    string
	httpClient *http.Client
	cache      *orchestrator.Cache
	logger     *zap.Logger
}

// NewClient constructs a platform client from its configuration and the
// orchestrator-owned cache handle.
func NewClient(platform orchestrator.Platform, configuration Configuration, platformCache *orchestrator.Cache, logger *zap.Logger) *Client {
	requestTimeout := configuration.Timeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeoutConstant
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		platform:   platform,
		baseURL:    strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		cache:      platformCache,
		logger:     logger,
	}
}

// Platform names the backend this client talks to.
func (client *Client) Platform() orchestrator.Platform {
	return client.platform
}

// Configured reports whether a base URL has been provided.
func (client *Client) Configured() bool {
	return len(client.baseURL) > 0
}

type identifierSetResponse struct {
	Identifiers []string `json:"identifiers"`
}

// FetchIdentifierSet returns the identifiers the platform reports for the
// requested kind, consulting the platform cache first.
func (client *Client) FetchIdentifierSet(executionContext context.Context, kind string) ([]string, error) {
	if !client.Configured() {
		return nil, fmt.Errorf(notConfiguredTemplateConstant, client.platform)
	}

	cacheKey := fmt.Sprintf(identifierCacheKeyTemplateConstant, kind)
	if cachedValue, found := client.cacheLookup(cacheKey); found {
		if identifiers, isIdentifierSlice := cachedValue.([]string); isIdentifierSlice {
			return identifiers, nil
		}
	}

	requestURL := client.endpointURL(identifiersEndpointConstant, url.Values{kindQueryParameterConstant: []string{kind}})
	var decodedResponse identifierSetResponse
	if requestError := client.getJSON(executionContext, identifiersEndpointConstant, requestURL, &decodedResponse); requestError != nil {
		return nil, requestError
	}

	client.cacheStore(cacheKey, decodedResponse.Identifiers)
	return decodedResponse.Identifiers, nil
}

type countResponse struct {
	Count int `json:"count"`
}

// FetchCount returns the platform's count for the requested kind over the
// rolling period, consulting the platform cache first.
func (client *Client) FetchCount(executionContext context.Context, kind string, periodDays int) (int, error) {
	if !client.Configured() {
		return 0, fmt.Errorf(notConfiguredTemplateConstant, client.platform)
	}

	cacheKey := fmt.Sprintf(countCacheKeyTemplateConstant, kind, periodDays)
	if cachedValue, found := client.cacheLookup(cacheKey); found {
		if count, isCount := cachedValue.(int); isCount {
			return count, nil
		}
	}

	queryParameters := url.Values{
		kindQueryParameterConstant:       []string{kind},
		periodDaysQueryParameterConstant: []string{strconv.Itoa(periodDays)},
	}
	requestURL := client.endpointURL(countsEndpointConstant, queryParameters)
	var decodedResponse countResponse
	if requestError := client.getJSON(executionContext, countsEndpointConstant, requestURL, &decodedResponse); requestError != nil {
		return 0, requestError
	}

	client.cacheStore(cacheKey, decodedResponse.Count)
	return decodedResponse.Count, nil
}

// ApplyCorrection invokes the platform's correction endpoint. The endpoint
// is idempotent on the platform side; a conflict response means the
// correction was already applied and counts as success.
func (client *Client) ApplyCorrection(executionContext context.Context, actionID string) error {
	if !client.Configured() {
		return fmt.Errorf(notConfiguredTemplateConstant, client.platform)
	}

	requestURL := fmt.Sprintf("%s/%s/%s", client.baseURL, correctionsEndpointConstant, url.PathEscape(actionID))
	request, requestBuildError := http.NewRequestWithContext(executionContext, http.MethodPost, requestURL, nil)
	if requestBuildError != nil {
		return fmt.Errorf(requestErrorTemplateConstant, correctionsEndpointConstant, client.platform, requestBuildError)
	}

	response, requestError := client.httpClient.Do(request)
	if requestError != nil {
		return fmt.Errorf(requestErrorTemplateConstant, correctionsEndpointConstant, client.platform, requestError)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	switch response.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusConflict:
		return nil
	default:
		return fmt.Errorf(statusErrorTemplateConstant, correctionsEndpointConstant, client.platform, response.StatusCode)
	}
}

func (client *Client) endpointURL(endpoint string, queryParameters url.Values) string {
	return fmt.Sprintf("%s/%s?%s", client.baseURL, endpoint, queryParameters.Encode())
}

func (client *Client) getJSON(executionContext context.Context, endpoint string, requestURL string, target any) error {
	request, requestBuildError := http.NewRequestWithContext(executionContext, http.MethodGet, requestURL, nil)
	if requestBuildError != nil {
		return fmt.Errorf(requestErrorTemplateConstant, endpoint, client.platform, requestBuildError)
	}

	response, requestError := client.httpClient.Do(request)
	if requestError != nil {
		return fmt.Errorf(requestErrorTemplateConstant, endpoint, client.platform, requestError)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf(statusErrorTemplateConstant, endpoint, client.platform, response.StatusCode)
	}

	if decodeError := json.NewDecoder(response.Body).Decode(target); decodeError != nil {
		return fmt.Errorf(decodeErrorTemplateConstant, endpoint, client.platform, decodeError)
	}
	return nil
}

func (client *Client) cacheLookup(cacheKey string) (any, bool) {
	if client.cache == nil {
		return nil, false
	}
	cachedValue, found := client.cache.Get(cacheKey)
	if found {
		client.logger.Debug(
			cacheHitMessageConstant,
			zap.String(logFieldPlatformConstant, string(client.platform)),
			zap.String(logFieldCacheKeyConstant, cacheKey),
		)
	}
	return cachedValue, found
}

func (client *Client) cacheStore(cacheKey string, cachedValue any) {
	if client.cache == nil {
		return
	}
	client.cache.Set(cacheKey, cachedValue)
}
