package paymentgateway

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidEnvelope is returned for a body that is not a recognisable notification
var ErrInvalidEnvelope = errors.New("invalid webhook envelope")

// Notification is a gateway webhook reduced to the fields reconciliation needs
type Notification struct {
	EventID          string
	EventType        string
	Reference        string
	GatewayRequestID string
	Status           string
	AuthKey          string
}

type webhookResource struct {
	RequestID         string `json:"requestId"`
	MchTransactionRef string `json:"mchTransactionRef"`
	Status            string `json:"status"`
	TransactionStatus string `json:"transactionStatus"`
}

// webhookEnvelope covers the three shapes seen in the wild:
// the processor's {eventType, resourceId, resource}, the older
// {event, data} and a plain {reference, status}.
type webhookEnvelope struct {
	WebhookID  string           `json:"webhookId"`
	EventType  string           `json:"eventType"`
	Event      string           `json:"event"`
	AuthKey    string           `json:"authKey"`
	ResourceID string           `json:"resourceId"`
	Resource   *webhookResource `json:"resource"`
	Data       *webhookResource `json:"data"`

	Reference        string `json:"reference"`
	GatewayRequestID string `json:"gatewayRequestId"`
	Status           string `json:"status"`
}

// ParseWebhook decodes a notification body. A body that decodes but carries
// neither a reference nor a request id is still returned; deciding whether
// that is acceptable is left to the caller.
func ParseWebhook(body []byte) (*Notification, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Join(ErrInvalidEnvelope, err)
	}

	n := &Notification{
		EventID:          env.WebhookID,
		EventType:        firstNonEmpty(env.EventType, env.Event),
		AuthKey:          env.AuthKey,
		Reference:        env.Reference,
		GatewayRequestID: firstNonEmpty(env.GatewayRequestID, env.ResourceID),
		Status:           env.Status,
	}

	resource := env.Resource
	if resource == nil {
		resource = env.Data
	}
	if resource != nil {
		n.Reference = firstNonEmpty(resource.MchTransactionRef, n.Reference)
		n.GatewayRequestID = firstNonEmpty(resource.RequestID, n.GatewayRequestID)
		n.Status = firstNonEmpty(resource.TransactionStatus, resource.Status, n.Status)
	}

	n.Reference = strings.TrimSpace(n.Reference)
	n.Status = strings.ToUpper(strings.TrimSpace(n.Status))

	if n.Reference == "" && n.GatewayRequestID == "" && n.Status == "" && n.EventType == "" {
		return nil, ErrInvalidEnvelope
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
