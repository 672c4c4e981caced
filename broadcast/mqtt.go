package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fleetgate/fleetgate/log2"
)

type MQTTConfig struct {
	Broker       string
	ClientID     string
	Password     string
	TopicPrefix  string
	KeepaliveSec int
}

// MQTT publishes events as JSON to <prefix>/<event>. Connect retries in
// background; messages published while disconnected are dropped, which is
// acceptable for a monitoring stream.
type MQTT struct {
	log         *log2.Log
	m           mqtt.Client
	topicPrefix string
}

var _ Broadcaster = (*MQTT)(nil)

func NewMQTT(log *log2.Log, config MQTTConfig) (*MQTT, error) {
	self := &MQTT{log: log, topicPrefix: config.TopicPrefix}
	if self.topicPrefix == "" {
		self.topicPrefix = "fleetgate"
	}
	clientID := config.ClientID
	if clientID == "" {
		clientID = "fleetgate"
	}
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log

	keepAlive := 60 * time.Second
	if config.KeepaliveSec != 0 {
		keepAlive = time.Duration(config.KeepaliveSec) * time.Second
	}
	mopt := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(clientID).
		SetCredentialsProvider(func() (string, string) { return clientID, config.Password }).
		SetKeepAlive(keepAlive).
		SetOrderMatters(false).
		SetConnectRetry(true).
		SetOnConnectHandler(func(mqtt.Client) { log.Infof("mqtt connect") }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { log.Infof("mqtt disconnect err=%v", err) })
	self.m = mqtt.NewClient(mopt)
	if token := self.m.Connect(); token.Error() != nil {
		return nil, token.Error()
	}
	return self, nil
}

func (self *MQTT) Publish(event string, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		self.log.Errorf("broadcast marshal event=%s err=%v", event, err)
		return
	}
	topic := fmt.Sprintf("%s/%s", self.topicPrefix, event)
	self.m.Publish(topic, 0, false, b)
}

func (self *MQTT) Close() {
	self.m.Disconnect(250)
}
