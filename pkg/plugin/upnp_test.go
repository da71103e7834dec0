package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveRelativeAbsoluteURLPassesThrough(t *testing.T) {
	t.Parallel()
	got := resolveRelative("http://1.2.3.4:80/description.xml", "http://elsewhere/icon.png")
	require.Equal(t, "http://elsewhere/icon.png", got)
}

func TestResolveRelativeJoinsAgainstHost(t *testing.T) {
	t.Parallel()
	got := resolveRelative("http://1.2.3.4:80/description.xml", "/ctrl/ContentDirectory")
	require.Equal(t, "http://1.2.3.4:80/ctrl/ContentDirectory", got)
}

func TestResolveRelativeWithoutLeadingSlash(t *testing.T) {
	t.Parallel()
	got := resolveRelative("http://1.2.3.4:80/description.xml", "icon.png")
	require.Equal(t, "http://1.2.3.4:80/icon.png", got)
}

func TestDeviceDescriptionControlURLFindsContentDirectoryService(t *testing.T) {
	t.Parallel()
	desc := &deviceDescription{
		Services: []struct {
			Type       string `xml:"serviceType"`
			ControlURL string `xml:"controlURL"`
		}{
			{Type: "urn:schemas-upnp-org:service:ConnectionManager:1", ControlURL: "/cm"},
			{Type: "urn:schemas-upnp-org:service:ContentDirectory:1", ControlURL: "/cd"},
		},
	}
	require.Equal(t, "http://host/cd", desc.controlURL("http://host/description.xml"))
}

func TestDeviceDescriptionIconURLEmptyWhenNoIcon(t *testing.T) {
	t.Parallel()
	desc := &deviceDescription{}
	require.Equal(t, "", desc.iconURL("http://host/description.xml"))
}

func TestUpnpPlaybackURIAlwaysErrors(t *testing.T) {
	t.Parallel()
	p := NewUpnp(&recordingNotifications{}, nil)
	_, err := p.PlaybackURI("upnp://abc/1")
	require.Error(t, err)
}

func TestUpnpScanUnknownDeviceReturnsError(t *testing.T) {
	t.Parallel()
	p := NewUpnp(&recordingNotifications{}, nil)
	err := p.Scan("upnp://missing")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestUpnpFetchDescriptionParsesDocument(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<root><device><friendlyName>Server</friendlyName>
			<serviceList><service><serviceType>urn:schemas-upnp-org:service:ContentDirectory:1</serviceType>
			<controlURL>/cd</controlURL></service></serviceList></device></root>`))
	}))
	defer srv.Close()

	p := NewUpnp(&recordingNotifications{}, nil)
	desc, err := p.fetchDescription(srv.URL)
	require.NoError(t, err)
	require.Equal(t, "Server", desc.FriendlyName)
	require.Equal(t, srv.URL+"/cd", desc.controlURL(srv.URL))
}

func TestUpnpWalkEmitsItemsFromBrowseResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<DIDL-Lite><item id="1"><title>song.mp3</title><res>http://srv/res/1</res></item></DIDL-Lite>`))
	}))
	defer srv.Close()

	conf := newTestConfigurator(t)
	p := NewUpnp(&recordingNotifications{}, conf)
	p.servers["abc"] = &upnpServer{controlURL: srv.URL}

	obs := &recordingObserver{}
	require.NoError(t, p.Walk(context.Background(), "upnp://abc", obs))

	require.Len(t, obs.put, 1)
	require.Equal(t, "http://srv/res/1", obs.put[0].Path)
}

func TestUpnpWalkUnknownDeviceReturnsError(t *testing.T) {
	t.Parallel()
	p := NewUpnp(&recordingNotifications{}, newTestConfigurator(t))
	err := p.Walk(context.Background(), "upnp://missing", &recordingObserver{})
	require.ErrorIs(t, err, ErrDeviceNotFound)
}
