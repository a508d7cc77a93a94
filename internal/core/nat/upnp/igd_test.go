package upnp

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const testDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <URLBase>http://10.255.255.1:9/</URLBase>
  <device>
    <deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>
    <friendlyName>Test Gateway</friendlyName>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:WANDevice:1</deviceType>
        <deviceList>
          <device>
            <deviceType>urn:schemas-upnp-org:device:WANConnectionDevice:1</deviceType>
            <serviceList>
              <service>
                <serviceType>urn:schemas-upnp-org:service:WANCommonInterfaceConfig:1</serviceType>
                <serviceId>urn:upnp-org:serviceId:WANCommonIFC1</serviceId>
                <controlURL>/ctl/CmnIfCfg</controlURL>
              </service>
              <service>
                <serviceType>%s</serviceType>
                <serviceId>urn:upnp-org:serviceId:WANIPConn1</serviceId>
                <controlURL>%s</controlURL>
                <eventSubURL>/evt/IPConn</eventSubURL>
                <SCPDURL>/WANIPCn.xml</SCPDURL>
              </service>
            </serviceList>
          </device>
        </deviceList>
      </device>
    </deviceList>
  </device>
</root>`

const wanIP1 = "urn:schemas-upnp-org:service:WANIPConnection:1"

func soapFault(code int, desc string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>%d</errorCode><errorDescription>%s</errorDescription></UPnPError></detail>
</s:Fault></s:Body></s:Envelope>`, code, desc)
}

func soapResponse(action string, args ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, "<%s>%s</%s>", args[i], args[i+1], args[i])
	}
	return fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body><u:%sResponse xmlns:u="%s">%s</u:%sResponse></s:Body></s:Envelope>`, action, wanIP1, b.String(), action)
}

// soapCall 假网关收到的 SOAP 请求
type soapCall struct {
	Action     string
	SOAPAction string
	Args       map[string]string
	Order      []string
}

// fakeIGD 假 UPnP 网关：设备描述与控制端点
type fakeIGD struct {
	t      *testing.T
	server *httptest.Server

	serviceType string
	entries     int

	describes atomic.Int32

	mu    sync.Mutex
	calls []soapCall

	// override 非空时直接以其响应所有 SOAP 请求
	override func(w http.ResponseWriter)
}

func newFakeIGD(t *testing.T) *fakeIGD {
	t.Helper()
	igd := &fakeIGD{t: t, serviceType: wanIP1, entries: 2}
	mux := http.NewServeMux()
	mux.HandleFunc("/rootDesc.xml", igd.describe)
	mux.HandleFunc("/ctl/IPConn", igd.control)
	igd.server = httptest.NewServer(mux)
	t.Cleanup(igd.server.Close)
	return igd
}

func (g *fakeIGD) location() string {
	return g.server.URL + "/rootDesc.xml"
}

func (g *fakeIGD) describe(w http.ResponseWriter, r *http.Request) {
	g.describes.Add(1)
	w.Header().Set("Content-Type", "text/xml")
	body := fmt.Sprintf(testDescription, g.serviceType, "/ctl/IPConn")

	// 分块写出
	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		n := 200
		if n > len(body) {
			n = len(body)
		}
		_, _ = io.WriteString(w, body[:n])
		body = body[n:]
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (g *fakeIGD) control(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	require.NoError(g.t, err)

	soapAction := r.Header.Get("SOAPACTION")
	action := strings.Trim(soapAction, `"`)
	if i := strings.LastIndex(action, "#"); i >= 0 {
		action = action[i+1:]
	}

	var args responseArgs
	_, err = decodeElement(data, action, &args)
	require.NoError(g.t, err)

	call := soapCall{Action: action, SOAPAction: soapAction, Args: map[string]string{}}
	for _, a := range args.Args {
		call.Args[a.XMLName.Local] = a.Value
		call.Order = append(call.Order, a.XMLName.Local)
	}
	g.mu.Lock()
	g.calls = append(g.calls, call)
	override, entries := g.override, g.entries
	g.mu.Unlock()

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	if override != nil {
		override(w)
		return
	}

	fault := func(code int, desc string) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, soapFault(code, desc))
	}

	switch action {
	case ActionGetExternalIPAddress:
		_, _ = io.WriteString(w, soapResponse(action, "NewExternalIPAddress", "198.51.100.9"))
	case ActionAddPortMapping:
		if call.Args["NewExternalPort"] == "80" {
			fault(718, "ConflictInMappingEntry")
			return
		}
		_, _ = io.WriteString(w, soapResponse(action))
	case ActionDeletePortMapping:
		_, _ = io.WriteString(w, soapResponse(action))
	case ActionGetGenericPortMappingEntry:
		var idx int
		fmt.Sscanf(call.Args["NewPortMappingIndex"], "%d", &idx)
		if idx >= entries {
			fault(713, "SpecifiedArrayIndexInvalid")
			return
		}
		_, _ = io.WriteString(w, soapResponse(action,
			"NewRemoteHost", "",
			"NewExternalPort", fmt.Sprint(7000+idx),
			"NewProtocol", "UDP",
			"NewInternalPort", fmt.Sprint(6000+idx),
			"NewInternalClient", "192.168.1.20",
			"NewEnabled", "1",
			"NewPortMappingDescription", fmt.Sprintf("entry %d", idx),
			"NewLeaseDuration", "3600"))
	case ActionGetSpecificPortMappingEntry:
		if call.Args["NewExternalPort"] != "7000" {
			fault(714, "NoSuchEntryInArray")
			return
		}
		_, _ = io.WriteString(w, soapResponse(action,
			"NewInternalPort", "6000",
			"NewInternalClient", "192.168.1.20",
			"NewEnabled", "0",
			"NewPortMappingDescription", "specific",
			"NewLeaseDuration", "0"))
	default:
		fault(401, "InvalidAction")
	}
}

func (g *fakeIGD) setOverride(fn func(w http.ResponseWriter)) {
	g.mu.Lock()
	g.override = fn
	g.mu.Unlock()
}

func (g *fakeIGD) setEntries(n int) {
	g.mu.Lock()
	g.entries = n
	g.mu.Unlock()
}

func (g *fakeIGD) recorded() []soapCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]soapCall(nil), g.calls...)
}

// ssdpResponder 在回环地址上回复 M-SEARCH 的假网关
type ssdpResponder struct {
	conn     *net.UDPConn
	location string
	searches chan []byte
}

func newSSDPResponder(t *testing.T, location string) *ssdpResponder {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	r := &ssdpResponder{conn: conn, location: location, searches: make(chan []byte, 64)}
	go r.serve()
	return r
}

func (r *ssdpResponder) addr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

func (r *ssdpResponder) serve() {
	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		select {
		case r.searches <- append([]byte(nil), buf[:n]...):
		default:
		}
		_, _ = r.conn.WriteToUDP([]byte(ssdpReply(r.location)), from)
	}
}

func ssdpReply(location string) string {
	return "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=120\r\n" +
		"ST: urn:schemas-upnp-org:service:WANIPConnection:1\r\n" +
		"USN: uuid:test::urn:schemas-upnp-org:service:WANIPConnection:1\r\n" +
		"EXT:\r\n" +
		"SERVER: test/1.0 UPnP/1.0\r\n" +
		"Location: " + location + "\r\n\r\n"
}
