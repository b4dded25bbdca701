package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// RequestError carries the http status of a failed request so that callers
// can route on it. A 404 is a failover signal, not a terminal error.
type RequestError struct {
	StatusCode int
	Message    string
}

func (self *RequestError) Error() string {
	if self.Message == "" {
		return fmt.Sprintf("request error (%d)", self.StatusCode)
	}
	return fmt.Sprintf("%s (%d)", self.Message, self.StatusCode)
}

func IsNotFound(err error) bool {
	var requestError *RequestError
	if errors.As(err, &requestError) {
		return requestError.StatusCode == http.StatusNotFound
	}
	return false
}

// TokenSource yields the bearer token for a cluster, or "" when the cluster
// is unauthenticated. Token refresh happens behind this interface.
type TokenSource interface {
	Token(clusterId string) (string, error)
}

type TokenFunc func(clusterId string) (string, error)

func (self TokenFunc) Token(clusterId string) (string, error) {
	return self(clusterId)
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// ApiClient issues one shot requests against one cluster api server.
// Watches do not go through here; they go through `Socket`/`Stream`.
type ApiClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl    string
	clusterId string
	tokens    TokenSource

	httpClient *http.Client
}

func NewApiClient(ctx context.Context, apiUrl string, clusterId string, tokens TokenSource) *ApiClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ApiClient{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     strings.TrimSuffix(apiUrl, "/"),
		clusterId:  clusterId,
		tokens:     tokens,
		httpClient: defaultClient(),
	}
}

func (self *ApiClient) ClusterId() string {
	return self.clusterId
}

func (self *ApiClient) token() string {
	if self.tokens == nil {
		return ""
	}
	token, err := self.tokens.Token(self.clusterId)
	if err != nil {
		// an unavailable token surfaces as a 401 from the server
		return ""
	}
	return token
}

func (self *ApiClient) url(path string, query url.Values) string {
	requestUrl := self.apiUrl + path
	if len(query) > 0 {
		requestUrl = requestUrl + "?" + query.Encode()
	}
	return requestUrl
}

// wsUrl converts the api url to the websocket url for the same path
func (self *ApiClient) wsUrl(path string, query url.Values) string {
	requestUrl := self.url(path, query)
	if strings.HasPrefix(requestUrl, "https://") {
		return "wss://" + strings.TrimPrefix(requestUrl, "https://")
	}
	if strings.HasPrefix(requestUrl, "http://") {
		return "ws://" + strings.TrimPrefix(requestUrl, "http://")
	}
	return requestUrl
}

func (self *ApiClient) GetJson(path string, query url.Values, result any) error {
	_, err := request(self.ctx, self.httpClient, "GET", self.url(path, query), nil, self.token(), result, NewNoopApiCallback[any]())
	return err
}

func (self *ApiClient) PostJson(path string, query url.Values, args any, result any) error {
	_, err := request(self.ctx, self.httpClient, "POST", self.url(path, query), args, self.token(), result, NewNoopApiCallback[any]())
	return err
}

func (self *ApiClient) PatchJson(path string, query url.Values, args any, result any) error {
	_, err := request(self.ctx, self.httpClient, "PATCH", self.url(path, query), args, self.token(), result, NewNoopApiCallback[any]())
	return err
}

func (self *ApiClient) PutJson(path string, query url.Values, args any, result any) error {
	_, err := request(self.ctx, self.httpClient, "PUT", self.url(path, query), args, self.token(), result, NewNoopApiCallback[any]())
	return err
}

func (self *ApiClient) DeleteJson(path string, query url.Values, result any) error {
	_, err := request(self.ctx, self.httpClient, "DELETE", self.url(path, query), nil, self.token(), result, NewNoopApiCallback[any]())
	return err
}

func (self *ApiClient) Close() {
	self.cancel()
}

func request[R any](ctx context.Context, httpClient *http.Client, method string, url string, args any, token string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	r, err := httpClient.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		requestError := &RequestError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
		callback.Result(result, requestError)
		return result, requestError
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	// result must be a pointer for the unmarshal to land in it
	if any(result) != nil && 0 < len(responseBodyBytes) {
		err = json.Unmarshal(responseBodyBytes, result)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}
