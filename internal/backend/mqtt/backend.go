// Package mqtt implements the MQTT radio bridge of the device. Downlinks are
// received on the downlink topic, uplinks and device events are published
// as JSON.
package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"sync"
	"text/template"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-applayer-device/internal/applayer"
	"github.com/brocaar/chirpstack-applayer-device/internal/config"
	"github.com/brocaar/chirpstack-applayer-device/internal/mac"
	"github.com/brocaar/lorawan"
)

// ClassEvent is published on every device class change.
type ClassEvent struct {
	DevEUI lorawan.EUI64 `json:"dev_eui"`
	Class  string        `json:"class"`
}

type topicData struct {
	DevEUI    lorawan.EUI64
	EventType string
}

// Backend implements a MQTT pub-sub backend.
type Backend struct {
	wg sync.WaitGroup

	devEUI        lorawan.EUI64
	qos           uint8
	downlinkTopic string
	uplinkTopic   string
	eventTemplate *template.Template

	downlinkChan chan applayer.DownlinkIndication
	conn         paho.Client
}

// NewBackend creates a new Backend and connects to the MQTT broker.
func NewBackend(ctx context.Context, c config.Config) (*Backend, error) {
	conf := c.Backend.MQTT

	b := Backend{
		devEUI:       c.Device.DevEUI,
		qos:          conf.QOS,
		downlinkChan: make(chan applayer.DownlinkIndication),
	}

	var err error
	b.downlinkTopic, err = renderTopic("downlink", conf.DownlinkTopicTemplate, topicData{DevEUI: b.devEUI})
	if err != nil {
		return nil, err
	}
	b.uplinkTopic, err = renderTopic("uplink", conf.UplinkTopicTemplate, topicData{DevEUI: b.devEUI})
	if err != nil {
		return nil, err
	}
	b.eventTemplate, err = template.New("event").Parse(conf.EventTopicTemplate)
	if err != nil {
		return nil, errors.Wrap(err, "mqtt: parse event template error")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(conf.Server)
	opts.SetUsername(conf.Username)
	opts.SetPassword(conf.Password)
	opts.SetCleanSession(conf.CleanSession)
	opts.SetClientID(conf.ClientID)
	opts.SetOnConnectHandler(b.onConnected)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	tlsconfig, err := newTLSConfig(conf.CACert, conf.TLSCert, conf.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "mqtt: load mqtt certificate files error")
	}
	if tlsconfig != nil {
		opts.SetTLSConfig(tlsconfig)
	}

	log.WithField("server", conf.Server).Info("mqtt: connecting to mqtt broker")
	b.conn = paho.NewClient(opts)
	for {
		if token := b.conn.Connect(); token.Wait() && token.Error() != nil {
			log.Errorf("mqtt: connecting to mqtt broker failed, will retry in 2s: %s", token.Error())

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
		} else {
			break
		}
	}

	return &b, nil
}

// Close closes the backend. It unsubscribes from the downlink topic, waits
// for the pending downlinks and closes the downlink channel.
func (b *Backend) Close() error {
	log.Info("mqtt: closing backend")

	log.WithField("topic", b.downlinkTopic).Info("mqtt: unsubscribing from downlink topic")
	if token := b.conn.Unsubscribe(b.downlinkTopic); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: unsubscribe from %s error: %s", b.downlinkTopic, token.Error())
	}

	log.Info("mqtt: handling last messages")
	b.wg.Wait()
	close(b.downlinkChan)
	b.conn.Disconnect(250)
	return nil
}

// DownlinkChan returns the downlink channel.
func (b *Backend) DownlinkChan() <-chan applayer.DownlinkIndication {
	return b.downlinkChan
}

// SendUplink publishes the given uplink.
func (b *Backend) SendUplink(ctx context.Context, up applayer.Uplink) error {
	bb, err := json.Marshal(up)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	log.WithFields(log.Fields{
		"topic":  b.uplinkTopic,
		"qos":    b.qos,
		"f_port": up.FPort,
	}).Info("mqtt: publishing uplink")
	mqttCommandCounter("uplink").Inc()

	if token := b.conn.Publish(b.uplinkTopic, b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "mqtt: publish uplink error")
	}

	return nil
}

// PublishClassChange publishes a class event. It can be used as
// mac.Config.OnClassChange callback.
func (b *Backend) PublishClassChange(class mac.DeviceClass) {
	if err := b.publishEvent("class", ClassEvent{DevEUI: b.devEUI, Class: class.String()}); err != nil {
		log.WithError(err).Error("mqtt: publish class event error")
	}
}

func (b *Backend) publishEvent(typ string, v interface{}) error {
	topic, err := renderTemplate(b.eventTemplate, topicData{DevEUI: b.devEUI, EventType: typ})
	if err != nil {
		return err
	}

	bb, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal json error")
	}

	log.WithFields(log.Fields{
		"topic": topic,
		"qos":   b.qos,
	}).Info("mqtt: publishing event")
	mqttCommandCounter(typ).Inc()

	if token := b.conn.Publish(topic, b.qos, false, bb); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "mqtt: publish event error")
	}
	return nil
}

func (b *Backend) downlinkHandler(c paho.Client, msg paho.Message) {
	b.wg.Add(1)
	defer b.wg.Done()

	mqttEventCounter("downlink").Inc()

	var ind applayer.DownlinkIndication
	if err := json.Unmarshal(msg.Payload(), &ind); err != nil {
		log.WithFields(log.Fields{
			"data_base64": base64.StdEncoding.EncodeToString(msg.Payload()),
		}).WithError(err).Error("mqtt: unmarshal downlink error")
		return
	}

	if ind.RXTime.IsZero() {
		ind.RXTime = time.Now()
	}

	log.WithFields(log.Fields{
		"f_port":    ind.FPort,
		"multicast": ind.Multicast,
	}).Info("mqtt: downlink received")

	b.downlinkChan <- ind
}

func (b *Backend) onConnected(c paho.Client) {
	mqttConnectCounter().Inc()
	log.Info("mqtt: connected to mqtt server")

	for {
		log.WithFields(log.Fields{
			"topic": b.downlinkTopic,
			"qos":   b.qos,
		}).Info("mqtt: subscribing to downlink topic")
		if token := c.Subscribe(b.downlinkTopic, b.qos, b.downlinkHandler); token.Wait() && token.Error() != nil {
			log.WithFields(log.Fields{
				"topic": b.downlinkTopic,
				"qos":   b.qos,
			}).Errorf("mqtt: subscribe error: %s", token.Error())
			time.Sleep(time.Second)
			continue
		}
		break
	}
}

func (b *Backend) onConnectionLost(c paho.Client, reason error) {
	mqttDisconnectCounter().Inc()
	log.Errorf("mqtt: mqtt connection error: %s", reason)
}

func renderTopic(name, tmpl string, data topicData) (string, error) {
	t, err := template.New(name).Parse(tmpl)
	if err != nil {
		return "", errors.Wrapf(err, "mqtt: parse %s template error", name)
	}
	return renderTemplate(t, data)
}

func renderTemplate(t *template.Template, data topicData) (string, error) {
	topic := bytes.NewBuffer(nil)
	if err := t.Execute(topic, data); err != nil {
		return "", errors.Wrapf(err, "mqtt: execute %s template error", t.Name())
	}
	return topic.String(), nil
}

func newTLSConfig(cafile, certFile, certKeyFile string) (*tls.Config, error) {
	if cafile == "" && certFile == "" && certKeyFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	if cafile != "" {
		cacert, err := ioutil.ReadFile(cafile)
		if err != nil {
			log.WithError(err).Error("mqtt: could not load ca certificate")
			return nil, err
		}
		certpool := x509.NewCertPool()
		certpool.AppendCertsFromPEM(cacert)

		tlsConfig.RootCAs = certpool
	}

	if certFile != "" && certKeyFile != "" {
		kp, err := tls.LoadX509KeyPair(certFile, certKeyFile)
		if err != nil {
			log.WithError(err).Error("mqtt: could not load mqtt tls key-pair")
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{kp}
	}

	return tlsConfig, nil
}
