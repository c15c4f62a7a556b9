package amqp

import (
	"fmt"

	"github.com/amenzhinsky/iotsession/common"
	"github.com/google/uuid"
	"pack.ag/amqp"
)

// toAMQP converts msg to an amqp message addressed to the given target,
// a random message id is assigned when it's not set.
func toAMQP(msg *common.Message, target string) *amqp.Message {
	mid := msg.MessageID
	if mid == "" {
		mid = uuid.New().String()
	}
	m := &amqp.Message{
		Data: [][]byte{msg.Payload},
		Properties: &amqp.MessageProperties{
			MessageID:          mid,
			To:                 target,
			AbsoluteExpiryTime: msg.ExpiryTime,
		},
	}
	if msg.CorrelationID != "" {
		m.Properties.CorrelationID = msg.CorrelationID
	}
	if msg.UserID != "" {
		m.Properties.UserID = []byte(msg.UserID)
	}
	if len(msg.Properties) != 0 {
		m.ApplicationProperties = make(map[string]interface{}, len(msg.Properties))
		for k, v := range msg.Properties {
			m.ApplicationProperties[k] = v
		}
	}
	return m
}

// fromAMQP converts a cloud-to-device amqp message,
// non-string application property values are formatted.
func fromAMQP(m *amqp.Message) *common.Message {
	msg := &common.Message{
		Properties: make(map[string]string, len(m.ApplicationProperties)),
	}
	if len(m.Data) != 0 {
		msg.Payload = m.Data[0]
	}
	if p := m.Properties; p != nil {
		msg.MessageID = formatID(p.MessageID)
		msg.CorrelationID = formatID(p.CorrelationID)
		msg.UserID = string(p.UserID)
		msg.To = p.To
		msg.ContentType = fmt.Sprint(p.ContentType)
		msg.ContentEncoding = fmt.Sprint(p.ContentEncoding)
		msg.ExpiryTime = p.AbsoluteExpiryTime
		msg.EnqueuedTime = p.CreationTime
	}
	for k, v := range m.ApplicationProperties {
		msg.Properties[k] = fmt.Sprint(v)
	}
	return msg
}

func formatID(v interface{}) string {
	switch id := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(id)
	default:
		return fmt.Sprint(id)
	}
}
