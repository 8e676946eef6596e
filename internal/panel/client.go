package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpn-shop-bot/internal/logger"
	"vpn-shop-bot/internal/store"
)

// ErrPanelRejected — панель ответила success=false: inbound или клиент
// невалидны, повторять бессмысленно.
var ErrPanelRejected = errors.New("panel rejected request")

// ErrUnavailable — транзиентная ошибка (сеть, 5xx), можно повторить позже.
var ErrUnavailable = errors.New("panel unavailable")

const maxRetries = 3

// Client — адаптер одной панели 3x-UI. Cookie-сессия кешируется до
// первого 401/403; логин сериализуется per-host.
type Client struct {
	host      store.Host
	http      *http.Client
	userAgent string

	loginMu  sync.Mutex
	loggedIn bool
}

func NewClient(host store.Host, globalDomain string) *Client {
	jar, _ := cookiejar.New(nil)
	ua := "DarkMaximus-XUI/1.0"
	if globalDomain != "" {
		ua = fmt.Sprintf("DarkMaximus-XUI/1.0 (+%s)", globalDomain)
	}
	return &Client{
		host:      host,
		userAgent: ua,
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) HostCode() string { return c.host.HostCode }

// EnsureSession логинится, если cookie ещё нет или она протухла.
func (c *Client) EnsureSession(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.loggedIn {
		return nil
	}
	return c.login(ctx)
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.host.HostUsername)
	form.Set("password", c.host.HostPass)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.host.HostURL, "/")+"/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: login: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return fmt.Errorf("%w: login: bad response", ErrUnavailable)
	}
	if !ar.Success {
		return fmt.Errorf("%w: login: %s", ErrPanelRejected, ar.Msg)
	}
	c.loggedIn = true
	logger.Info("panel login ok", zap.String("host", c.host.HostCode))
	return nil
}

func (c *Client) invalidateSession() {
	c.loginMu.Lock()
	c.loggedIn = false
	c.loginMu.Unlock()
}

// doAPI выполняет JSON-запрос к панели с ретраями: до трёх попыток с
// экспоненциальной задержкой (1s/3s/9s + джиттер) для транзиентных
// ошибок; единственный релогин и повтор на 401/403.
func (c *Client) doAPI(ctx context.Context, method, path string, payload interface{}, out *apiResponse) error {
	relogged := false
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second * time.Duration(pow3(attempt-1)) // 1s, 3s, 9s
			jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		if err := c.EnsureSession(ctx); err != nil {
			lastErr = err
			if errors.Is(err, ErrPanelRejected) {
				return err
			}
			continue
		}
		status, err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			c.invalidateSession()
			if relogged {
				return fmt.Errorf("%w: session rejected twice", ErrPanelRejected)
			}
			relogged = true
			attempt-- // релогин не тратит ретрай
		case status >= 400 && status < 500:
			// прочие 4xx не ретраем
			return err
		case errors.Is(err, ErrPanelRejected):
			// success:false при HTTP 200 — функциональный отказ,
			// повтор не поможет
			return err
		}
	}
	return lastErr
}

func pow3(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 3
	}
	return v
}

func (c *Client) once(ctx context.Context, method, path string, payload interface{}, out *apiResponse) (int, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(c.host.HostURL, "/")+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("panel status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("%w: bad json: %v", ErrUnavailable, err)
	}
	if !out.Success {
		return resp.StatusCode, fmt.Errorf("%w: %s", ErrPanelRejected, out.Msg)
	}
	return resp.StatusCode, nil
}

func (c *Client) getInbound(ctx context.Context) (*inbound, error) {
	var ar apiResponse
	path := fmt.Sprintf("/panel/api/inbounds/get/%d", c.host.InboundID)
	if err := c.doAPI(ctx, http.MethodGet, path, nil, &ar); err != nil {
		return nil, err
	}
	var ib inbound
	if err := json.Unmarshal(ar.Obj, &ib); err != nil {
		return nil, fmt.Errorf("decode inbound: %w", err)
	}
	return &ib, nil
}

// UpsertClient создаёт клиента на inbound'е либо обновляет срок
// существующего. Идемпотентен по (inbound, email).
func (c *Client) UpsertClient(ctx context.Context, email string, expiryMs int64, trafficGB float64) (*UpsertResult, error) {
	ib, err := c.getInbound(ctx)
	if err != nil {
		return nil, err
	}
	var settings inboundSettings
	if err := json.Unmarshal([]byte(ib.Settings), &settings); err != nil {
		return nil, fmt.Errorf("decode inbound settings: %w", err)
	}

	var trafficBytes int64
	if trafficGB > 0 {
		trafficBytes = int64(trafficGB * 1024 * 1024 * 1024)
	}

	var existing *panelClient
	for i := range settings.Clients {
		if settings.Clients[i].Email == email {
			existing = &settings.Clients[i]
			break
		}
	}

	if existing != nil {
		existing.ExpiryTime = expiryMs
		existing.Enable = true
		if trafficBytes > 0 {
			existing.TotalGB = trafficBytes
		}
		if err := c.updateClient(ctx, *existing); err != nil {
			return nil, err
		}
		return c.buildResult(ib, *existing)
	}

	fresh := panelClient{
		ID:         uuid.New().String(),
		SubID:      newSubID(),
		Email:      email,
		Enable:     true,
		ExpiryTime: expiryMs,
		Flow:       "xtls-rprx-vision",
		TotalGB:    trafficBytes,
	}
	if err := c.addClient(ctx, fresh); err != nil {
		return nil, err
	}
	return c.buildResult(ib, fresh)
}

// newSubID — короткий идентификатор подписки в формате 3x-UI
// (16 hex-символов).
func newSubID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

func (c *Client) addClient(ctx context.Context, pc panelClient) error {
	settings, err := json.Marshal(inboundSettings{Clients: []panelClient{pc}})
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"id":       c.host.InboundID,
		"settings": string(settings),
	}
	var ar apiResponse
	return c.doAPI(ctx, http.MethodPost, "/panel/api/inbounds/addClient", payload, &ar)
}

func (c *Client) updateClient(ctx context.Context, pc panelClient) error {
	settings, err := json.Marshal(inboundSettings{Clients: []panelClient{pc}})
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"id":       c.host.InboundID,
		"settings": string(settings),
	}
	var ar apiResponse
	return c.doAPI(ctx, http.MethodPost, "/panel/api/inbounds/updateClient/"+pc.ID, payload, &ar)
}

// SetEnabled включает/выключает клиента, не трогая срок.
func (c *Client) SetEnabled(ctx context.Context, clientUUID string, enabled bool) error {
	ib, err := c.getInbound(ctx)
	if err != nil {
		return err
	}
	var settings inboundSettings
	if err := json.Unmarshal([]byte(ib.Settings), &settings); err != nil {
		return fmt.Errorf("decode inbound settings: %w", err)
	}
	for _, pc := range settings.Clients {
		if pc.ID == clientUUID {
			pc.Enable = enabled
			return c.updateClient(ctx, pc)
		}
	}
	return fmt.Errorf("%w: client %s not found", ErrPanelRejected, clientUUID)
}

// ReadClient возвращает состояние клиента по email.
func (c *Client) ReadClient(ctx context.Context, email string) (*ClientInfo, error) {
	var ar apiResponse
	if err := c.doAPI(ctx, http.MethodGet, "/panel/api/inbounds/getClientTraffics/"+email, nil, &ar); err != nil {
		return nil, err
	}
	var ct clientTraffic
	if err := json.Unmarshal(ar.Obj, &ct); err != nil {
		return nil, fmt.Errorf("decode client traffic: %w", err)
	}
	info := &ClientInfo{
		ExpiryMs:    ct.ExpiryTime,
		Enabled:     ct.Enable,
		TrafficUsed: ct.Down + ct.Up,
	}
	// uuid в трафик-ответе не приходит, достаём из inbound'а
	ib, err := c.getInbound(ctx)
	if err == nil {
		var settings inboundSettings
		if json.Unmarshal([]byte(ib.Settings), &settings) == nil {
			for _, pc := range settings.Clients {
				if pc.Email == email {
					info.UUID = pc.ID
					break
				}
			}
		}
	}
	return info, nil
}
