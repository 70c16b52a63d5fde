package raiden

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/swapd/pkg/unitconverter"
)

const (
	apiPrefix             = "/api/v1"
	defaultRequestTimeout = 30 * time.Second
	// Payments are routed hop by hop and can take way longer than any other
	// api call.
	paymentTimeout = 5 * time.Minute
)

var (
	// ErrServiceClosed is returned by any call made after Close.
	ErrServiceClosed = errors.New("raiden service is closed")
)

// Token describes a token that is swapped over raiden.
type Token struct {
	Currency string
	Address  string
	Decimals uint8
}

// Config contains the connection details of the raiden node and of the
// resolver endpoint that the node calls for incoming payments.
type Config struct {
	Host         string
	Port         int
	ResolverPort int
	Tokens       []Token
	// DirectChannelChecks restricts routing checks to the channels opened
	// directly with the destination.
	DirectChannelChecks bool
	ResolveTimeout      time.Duration
}

func (c Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("missing host")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ResolverPort < 0 {
		return fmt.Errorf("invalid resolver port %d", c.ResolverPort)
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("missing tokens")
	}
	for _, t := range c.Tokens {
		if t.Currency == "" || t.Address == "" {
			return fmt.Errorf("invalid token %s:%s", t.Currency, t.Address)
		}
	}
	return nil
}

// Service is the connection to a raiden node shared by the swap clients of
// all the tokens it handles.
type Service struct {
	baseUrl             string
	httpClient          *http.Client
	converter           *unitconverter.Converter
	directChannelChecks bool

	lock     *sync.RWMutex
	address  string
	clients  map[string]*Client
	byToken  map[string]*Client
	resolver *resolver
	closed   bool
}

// NewService connects to the raiden node and creates one swap client for
// every configured token. The resolver endpoint is not served until Start.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	svc := newService(cfg, fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port))
	for _, t := range cfg.Tokens {
		if err := svc.addToken(t); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()
	if err := svc.connect(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func newService(cfg Config, baseUrl string) *Service {
	svc := &Service{
		baseUrl:             strings.TrimSuffix(baseUrl, "/"),
		httpClient:          &http.Client{},
		converter:           unitconverter.New(),
		directChannelChecks: cfg.DirectChannelChecks,
		lock:                &sync.RWMutex{},
		clients:             make(map[string]*Client),
		byToken:             make(map[string]*Client),
	}
	svc.resolver = newResolver(svc, cfg.ResolverPort, cfg.ResolveTimeout)
	return svc
}

func (s *Service) addToken(t Token) error {
	if err := s.converter.Add(t.Currency, t.Decimals); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.clients[t.Currency]; ok {
		return fmt.Errorf("duplicated token for currency %s", t.Currency)
	}
	c := newClient(s, t)
	s.clients[t.Currency] = c
	s.byToken[strings.ToLower(t.Address)] = c
	return nil
}

func (s *Service) connect(ctx context.Context) error {
	resp := addressResponse{}
	if err := s.do(
		ctx, http.MethodGet, apiPrefix+"/address", nil, &resp,
	); err != nil {
		return fmt.Errorf("failed to get raiden address: %w", err)
	}
	if resp.OurAddress == "" {
		return fmt.Errorf("something went wrong, raiden address is empty")
	}

	s.lock.Lock()
	s.address = resp.OurAddress
	s.lock.Unlock()

	log.Infof("raiden: connected to node with address %s", resp.OurAddress)
	return nil
}

// Start serves the resolver endpoint.
func (s *Service) Start() error {
	if s.isClosed() {
		return ErrServiceClosed
	}
	return s.resolver.start()
}

// Address is the account of the raiden node, that is the destination the
// peers pay to.
func (s *Service) Address() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.address
}

// Clients returns the swap clients of all the configured tokens.
func (s *Service) Clients() []*Client {
	s.lock.RLock()
	defer s.lock.RUnlock()

	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

// Close stops the resolver and rejects every pending resolve request.
func (s *Service) Close() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.lock.Unlock()

	s.resolver.stop()
	for _, c := range clients {
		c.close()
	}
	log.Info("raiden: service closed")
}

func (s *Service) isClosed() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.closed
}

func (s *Service) isConnected() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return !s.closed && s.address != ""
}

func (s *Service) clientForToken(token string) (*Client, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	c, ok := s.byToken[strings.ToLower(token)]
	return c, ok
}

func (s *Service) listChannels(
	ctx context.Context, token string,
) ([]channel, error) {
	channels := make([]channel, 0)
	if err := s.do(
		ctx, http.MethodGet, fmt.Sprintf("%s/channels/%s", apiPrefix, token),
		nil, &channels,
	); err != nil {
		return nil, err
	}
	return channels, nil
}

func (s *Service) sendPayment(
	ctx context.Context, token, target string, req tokenPaymentRequest,
) (*tokenPaymentResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, paymentTimeout)
		defer cancel()
	}

	resp := &tokenPaymentResponse{}
	if err := s.do(
		ctx, http.MethodPost,
		fmt.Sprintf("%s/payments/%s/%s", apiPrefix, token, target), req, resp,
	); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) listPaymentEvents(
	ctx context.Context, token string,
) ([]paymentEvent, error) {
	events := make([]paymentEvent, 0)
	if err := s.do(
		ctx, http.MethodGet, fmt.Sprintf("%s/payments/%s", apiPrefix, token),
		nil, &events,
	); err != nil {
		return nil, err
	}
	return events, nil
}

// apiError is a non successful response of the raiden api.
type apiError struct {
	statusCode int
	message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("raiden api error %d: %s", e.statusCode, e.message)
}

func (s *Service) do(
	ctx context.Context, method, path string, body, out interface{},
) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseUrl+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := errorResponse{}
		msg := strings.TrimSpace(string(buf))
		if err := json.Unmarshal(buf, &errResp); err == nil &&
			errResp.Errors != nil {
			msg = errResp.String()
		}
		return &apiError{resp.StatusCode, msg}
	}

	if out == nil || len(buf) == 0 {
		return nil
	}
	return json.Unmarshal(buf, out)
}
