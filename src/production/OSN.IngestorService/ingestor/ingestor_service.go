package osningestor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	config "github.com/opensensor-io/sensor-server/src/production/OSN.Config"
	"github.com/opensensor-io/sensor-server/src/production/OSN.IngestorService/client"
	logger "github.com/opensensor-io/sensor-server/src/production/OSN.Logger"
	osnmodels "github.com/opensensor-io/sensor-server/src/production/OSN.Models"
)

// Ingestor bridges MQTT environment events into the HTTP API. Devices on
// flaky links publish to the broker with QoS 1 instead of calling the API
// directly; the bridge forwards each event with the device's own API key.
type Ingestor struct {
	cfg        *config.IngestorConfig
	apiClient  *client.APIClient
	mqttClient mqtt.Client
	msgCh      chan *osnmodels.Environment
	wg         sync.WaitGroup
	logger     *logger.Logger
}

func New(cfg *config.IngestorConfig, apiClient *client.APIClient, log *logger.Logger) *Ingestor {
	return &Ingestor{
		cfg:       cfg,
		apiClient: apiClient,
		msgCh:     make(chan *osnmodels.Environment, 4096),
		logger:    log.WithComponent("ingestor"),
	}
}

func (i *Ingestor) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(i.cfg.MQTT.GetMQTTBrokerURL()).
		SetClientID(i.cfg.MQTT.ClientID).
		SetOrderMatters(false).
		SetKeepAlive(i.cfg.MQTT.KeepAlive).
		SetPingTimeout(i.cfg.MQTT.PingTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetCleanSession(false)

	if i.cfg.MQTT.BrokerUser != "" {
		opts.SetUsername(i.cfg.MQTT.BrokerUser)
		opts.SetPassword(i.cfg.MQTT.BrokerPass)
	}

	if i.cfg.MQTT.UseTLS {
		tlsCfg, err := i.tlsConfig(i.cfg.MQTT.CACertPath)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		i.logger.ErrorWithError(err, "MQTT connection lost")
	}
	opts.OnConnect = func(c mqtt.Client) {
		topic := i.cfg.MQTT.Topic
		if i.cfg.MQTT.SharedGroup != "" {
			topic = fmt.Sprintf("$share/%s/%s", i.cfg.MQTT.SharedGroup, i.cfg.MQTT.Topic)
		}
		i.logger.WithField("topic", topic).Info("MQTT connected, subscribing to topic")
		if token := c.Subscribe(topic, 1, i.onMessage); token.Wait() && token.Error() != nil {
			i.logger.WithField("topic", topic).ErrorWithError(token.Error(), "Failed to subscribe to MQTT topic")
		}
	}

	i.mqttClient = mqtt.NewClient(opts)
	if tk := i.mqttClient.Connect(); tk.Wait() && tk.Error() != nil {
		return tk.Error()
	}

	// batch writer
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.batchWriter(ctx)
	}()

	return nil
}

func (i *Ingestor) Stop() {
	if i.mqttClient != nil && i.mqttClient.IsConnected() {
		i.mqttClient.Disconnect(500)
	}
	close(i.msgCh)
	i.wg.Wait()
}

func (i *Ingestor) IsConnected() bool {
	return i.mqttClient != nil && i.mqttClient.IsConnected()
}

func (i *Ingestor) onMessage(_ mqtt.Client, m mqtt.Message) {
	i.logger.WithField("topic", m.Topic()).Debug("Received MQTT message")

	var env osnmodels.Environment
	if err := json.Unmarshal(m.Payload(), &env); err != nil {
		i.logger.WithField("topic", m.Topic()).ErrorWithError(err, "Dropping malformed environment payload")
		return
	}
	if env.DeviceMetadata.DeviceID == "" || env.DeviceMetadata.APIKey == "" {
		i.logger.WithField("topic", m.Topic()).Warn("Dropping environment without device metadata")
		i.publishError(env.DeviceMetadata.DeviceID, "missing_metadata", "device_id and api_key are required")
		return
	}

	i.msgCh <- &env
}

func (i *Ingestor) batchWriter(ctx context.Context) {
	batch := make([]*osnmodels.Environment, 0, i.cfg.BatchSize)
	timer := time.NewTimer(i.cfg.BatchWindow)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		i.logger.WithField("batch_size", len(batch)).Debug("Flushing batch to API Service")

		for _, env := range batch {
			if err := i.apiClient.RecordEnvironment(ctx, env); err != nil {
				i.logger.
					WithField("device_id", env.DeviceMetadata.DeviceID).
					ErrorWithError(err, "Failed to forward environment to API Service")
				i.publishError(env.DeviceMetadata.DeviceID, "record_error", err.Error())
			}
		}

		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case env, ok := <-i.msgCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, env)
			if len(batch) >= i.cfg.BatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(i.cfg.BatchWindow)
			}
		case <-timer.C:
			flush()
			timer.Reset(i.cfg.BatchWindow)
		}
	}
}

func (i *Ingestor) tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	cp := x509.NewCertPool()
	if !cp.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("bad CA file")
	}
	cfg.RootCAs = cp
	return cfg, nil
}

// publishError reports a dropped event back to the device's error topic.
func (i *Ingestor) publishError(deviceID, errorType, message string) {
	if i.mqttClient == nil || !i.mqttClient.IsConnected() {
		return
	}
	if deviceID == "" {
		deviceID = "unknown"
	}

	errorPayload := map[string]interface{}{
		"error_type": errorType,
		"message":    message,
		"device_id":  deviceID,
		"timestamp":  time.Now().UTC(),
	}

	payloadJSON, err := json.Marshal(errorPayload)
	if err != nil {
		i.logger.ErrorWithError(err, "Failed to marshal error payload")
		return
	}

	errorTopic := fmt.Sprintf("opensensor/errors/%s", deviceID)
	token := i.mqttClient.Publish(errorTopic, 1, false, payloadJSON)
	if token.Wait() && token.Error() != nil {
		i.logger.WithField("topic", errorTopic).ErrorWithError(token.Error(), "Failed to publish error")
	}
}
