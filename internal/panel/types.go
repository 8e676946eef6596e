package panel

import "encoding/json"

// apiResponse — стандартный конверт 3x-UI. HTTP 200 сам по себе ничего
// не значит: функциональная ошибка приходит как success=false.
type apiResponse struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

// inbound — нужные нам поля inbound'а. settings и streamSettings панель
// отдаёт строками с вложенным JSON.
type inbound struct {
	ID             int    `json:"id"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Remark         string `json:"remark"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

type inboundSettings struct {
	Clients []panelClient `json:"clients"`
}

type panelClient struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"`
	TotalGB    int64  `json:"totalGB,omitempty"`
	Flow       string `json:"flow,omitempty"`
	SubID      string `json:"subId,omitempty"`
	TgID       int64  `json:"tgId,omitempty"`
}

type clientTraffic struct {
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	Enable     bool   `json:"enable"`
	ExpiryTime int64  `json:"expiryTime"`
}

// UpsertResult — результат upsert_client.
type UpsertResult struct {
	UUID             string
	Email            string
	ExpiryMs         int64
	ConnectionString string
	SubscriptionLink string
}

// ClientInfo — состояние клиента на панели.
type ClientInfo struct {
	UUID        string
	ExpiryMs    int64
	Enabled     bool
	TrafficUsed int64
}
