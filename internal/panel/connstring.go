package panel

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// streamSettings разбирается только ради reality-параметров
// для vless-ссылки.
type streamSettings struct {
	Network         string `json:"network"`
	Security        string `json:"security"`
	RealitySettings struct {
		ServerNames []string `json:"serverNames"`
		ShortIds    []string `json:"shortIds"`
		Settings    struct {
			PublicKey   string `json:"publicKey"`
			Fingerprint string `json:"fingerprint"`
		} `json:"settings"`
	} `json:"realitySettings"`
}

func (c *Client) buildResult(ib *inbound, pc panelClient) (*UpsertResult, error) {
	res := &UpsertResult{
		UUID:     pc.ID,
		Email:    pc.Email,
		ExpiryMs: pc.ExpiryTime,
	}
	res.ConnectionString = connectionString(ib, pc, c.host.HostURL)
	if pc.SubID != "" {
		res.SubscriptionLink = c.subscriptionLink(pc.SubID)
	}
	return res, nil
}

// connectionString собирает vless://-ссылку для reality-инбаунда.
// Для других транспортов возвращает пустую строку — пользователь
// получает subscription link или кабинет.
func connectionString(ib *inbound, pc panelClient, hostURL string) string {
	if ib.Protocol != "vless" {
		return ""
	}
	var ss streamSettings
	if err := json.Unmarshal([]byte(ib.StreamSettings), &ss); err != nil {
		return ""
	}
	if ss.Security != "reality" {
		return ""
	}
	rs := ss.RealitySettings
	if rs.Settings.PublicKey == "" || len(rs.ServerNames) == 0 || len(rs.ShortIds) == 0 {
		return ""
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(
		"vless://%s@%s:%d?type=tcp&security=reality&pbk=%s&fp=%s&sni=%s&sid=%s&spx=%%2F&flow=xtls-rprx-vision#%s",
		pc.ID, parsed.Hostname(), ib.Port,
		rs.Settings.PublicKey, rs.Settings.Fingerprint,
		rs.ServerNames[0], rs.ShortIds[0], ib.Remark)
}

func (c *Client) subscriptionLink(subID string) string {
	parsed, err := url.Parse(c.host.HostURL)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("https://%s/sub/%s", parsed.Hostname(), subID)
}
