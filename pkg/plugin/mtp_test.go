package plugin

import (
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
)

// fakeMQTTClient implements mqtt.Client for testing.
type fakeMQTTClient struct {
	connectErr   error
	subscribeErr error
	handler      mqtt.MessageHandler
	topic        string
	connected    bool
}

func (c *fakeMQTTClient) IsConnected() bool       { return c.connected }
func (c *fakeMQTTClient) IsConnectionOpen() bool  { return c.connected }
func (c *fakeMQTTClient) Connect() mqtt.Token {
	if c.connectErr != nil {
		return &fakeToken{err: c.connectErr}
	}
	c.connected = true
	return &fakeToken{}
}
func (c *fakeMQTTClient) Disconnect(uint) { c.connected = false }
func (c *fakeMQTTClient) Publish(string, byte, bool, any) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeMQTTClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	if c.subscribeErr != nil {
		return &fakeToken{err: c.subscribeErr}
	}
	c.topic = topic
	c.handler = cb
	return &fakeToken{}
}
func (c *fakeMQTTClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}
func (c *fakeMQTTClient) Unsubscribe(...string) mqtt.Token       { return &fakeToken{} }
func (c *fakeMQTTClient) AddRoute(string, mqtt.MessageHandler)   {}
func (c *fakeMQTTClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

type fakeToken struct{ err error }

func (*fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (*fakeToken) Done() <-chan struct{}            { ch := make(chan struct{}); close(ch); return ch }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMQTTMessage struct{ payload []byte }

func (*fakeMQTTMessage) Duplicate() bool            { return false }
func (*fakeMQTTMessage) Qos() byte                  { return 0 }
func (*fakeMQTTMessage) Retained() bool             { return false }
func (*fakeMQTTMessage) Topic() string              { return "mediaindex/mtp/notify" }
func (*fakeMQTTMessage) MessageID() uint16          { return 0 }
func (m *fakeMQTTMessage) Payload() []byte          { return m.payload }
func (*fakeMQTTMessage) Ack()                       {}
func (m *fakeMQTTMessage) AutoAckOff() mqtt.Message { return m }
func (m *fakeMQTTMessage) AutoAckOn() mqtt.Message  { return m }

func TestMtpStartDetectionSubscribesToConfiguredTopic(t *testing.T) {
	t.Parallel()
	client := &fakeMQTTClient{}
	p := NewMtp(&recordingNotifications{}, nil, nil, "", client, "mediaindex/mtp/notify")

	require.NoError(t, p.StartDetection(t.Context()))
	require.True(t, client.connected)
	require.Equal(t, "mediaindex/mtp/notify", client.topic)
}

func TestMtpAddedNotificationRegistersDeviceAvailable(t *testing.T) {
	t.Parallel()
	client := &fakeMQTTClient{}
	notif := &recordingNotifications{}
	p := NewMtp(notif, nil, nil, "", client, "mediaindex/mtp/notify")
	require.NoError(t, p.StartDetection(t.Context()))

	client.handler(client, &fakeMQTTMessage{payload: []byte(`{"serial":"abc:123","name":"Phone","mountpoint":"/mnt/phone"}`)})

	devs := p.Devices()
	require.Len(t, devs, 1)
	require.True(t, devs[0].Available())
	require.Equal(t, "/mnt/phone", devs[0].Mountpoint)
	require.Len(t, notif.added, 1)
}

func TestMtpRemovedNotificationMarksDeviceUnavailable(t *testing.T) {
	t.Parallel()
	client := &fakeMQTTClient{}
	notif := &recordingNotifications{}
	p := NewMtp(notif, nil, nil, "", client, "mediaindex/mtp/notify")
	require.NoError(t, p.StartDetection(t.Context()))

	client.handler(client, &fakeMQTTMessage{payload: []byte(`{"serial":"abc:123","mountpoint":"/mnt/phone"}`)})
	client.handler(client, &fakeMQTTMessage{payload: []byte(`{"serial":"abc:123","removed":true}`)})

	require.False(t, p.Devices()[0].Available())
}

func TestMtpMalformedPayloadIsIgnored(t *testing.T) {
	t.Parallel()
	client := &fakeMQTTClient{}
	notif := &recordingNotifications{}
	p := NewMtp(notif, nil, nil, "", client, "mediaindex/mtp/notify")
	require.NoError(t, p.StartDetection(t.Context()))

	client.handler(client, &fakeMQTTMessage{payload: []byte(`not json`)})
	require.Empty(t, p.Devices())
}

func TestMtpPlaybackURIResolvesMountedPath(t *testing.T) {
	t.Parallel()
	client := &fakeMQTTClient{}
	notif := &recordingNotifications{}
	p := NewMtp(notif, nil, nil, "", client, "mediaindex/mtp/notify")
	require.NoError(t, p.StartDetection(t.Context()))

	client.handler(client, &fakeMQTTMessage{payload: []byte(`{"serial":"abc","mountpoint":"/mnt/phone"}`)})

	got, err := p.PlaybackURI("mtp://abc/Music/song.mp3")
	require.NoError(t, err)
	require.Equal(t, "file:///mnt/phone/Music/song.mp3", got)
}
