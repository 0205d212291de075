package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSettings configures an optional MQTT transport that mirrors queue
// deliveries onto a broker topic, for consumers that prefer a pub/sub
// subscription over polling or the in-process push API.
type MQTTSettings struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      int
}

// MQTTTransport publishes delivered messages to an MQTT broker and can
// accept inbound messages on a submission topic, bridging C1 to agents that
// speak MQTT rather than the HTTP gateway.
type MQTTTransport struct {
	client mqtt.Client
	topic  string
	qos    byte
	queue  *Queue
	log    *slog.Logger
}

type mqttEnvelope struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   []byte    `json:"content"`
	Priority  string    `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMQTTTransport connects to the configured broker and subscribes to
// settings.Topic/submit for inbound enqueue requests.
func NewMQTTTransport(settings MQTTSettings, q *Queue, log *slog.Logger) (*MQTTTransport, error) {
	qos := byte(settings.QoS)
	if qos > 2 {
		qos = 0
	}
	clientID := settings.ClientID
	if clientID == "" {
		clientID = "fabric-queue"
	}

	t := &MQTTTransport{topic: settings.Topic, qos: qos, queue: q, log: log}

	opts := mqtt.NewClientOptions().
		SetClientID(clientID).
		AddBroker(settings.Broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}

	t.client = mqtt.NewClient(opts)
	tok := t.client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}

	submitTopic := settings.Topic + "/submit"
	subTok := t.client.Subscribe(submitTopic, t.qos, t.handleSubmit)
	if !subTok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt subscribe timeout")
	}
	if subTok.Error() != nil {
		return nil, fmt.Errorf("mqtt subscribe: %w", subTok.Error())
	}

	return t, nil
}

func (t *MQTTTransport) handleSubmit(_ mqtt.Client, msg mqtt.Message) {
	var env mqttEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		if t.log != nil {
			t.log.Warn("discarding malformed mqtt submission", "error", err)
		}
		return
	}
	m, err := NewMessage(env.Sender, env.Recipient, env.Content, Priority(env.Priority))
	if err != nil {
		if t.log != nil {
			t.log.Warn("rejecting invalid mqtt submission", "error", err)
		}
		return
	}
	if err := t.queue.Enqueue(m); err != nil && t.log != nil {
		t.log.Warn("failed to enqueue mqtt submission", "error", err)
	}
}

// PublishDelivery mirrors a delivered message onto the broker's
// "<topic>/deliver/<recipient>" subtopic for MQTT-native consumers.
func (t *MQTTTransport) PublishDelivery(m *Message) error {
	env := mqttEnvelope{
		MessageID: m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		Priority:  string(m.Priority),
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal mqtt delivery: %w", err)
	}
	topic := fmt.Sprintf("%s/deliver/%s", t.topic, m.Recipient)
	pub := t.client.Publish(topic, t.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	return pub.Error()
}

// Close disconnects the MQTT client.
func (t *MQTTTransport) Close() {
	t.client.Disconnect(250)
}
