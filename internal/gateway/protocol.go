package gateway

import "github.com/soyeahso/tutorchat/internal/protocol"

// MethodConnect is the only request accepted before the handshake completes.
const MethodConnect = "connect"

// ConnectParams are sent by the client in the initial connect request.
type ConnectParams struct {
	UserID    string            `json:"userId"`
	SessionID string            `json:"sessionId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"` // e.g. subject, gradeLevel
	Client    ClientInfo        `json:"client"`
	Auth      *ConnectAuth      `json:"auth,omitempty"`
}

// ClientInfo identifies the connecting client application.
type ClientInfo struct {
	ID       string `json:"id,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ConnectAuth carries credentials in the connect request.
type ConnectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// Challenge is the payload of the connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// HelloOK is the response payload to a successful connect.
type HelloOK struct {
	Protocol int          `json:"protocol"`
	Server   ServerInfo   `json:"server"`
	Features Features     `json:"features"`
	Policy   ServerPolicy `json:"policy"`
}

// ServerInfo describes the gateway instance.
type ServerInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	ConnID  string `json:"connId"`
}

// Features advertises the actions and events the server supports.
type Features struct {
	Actions []string `json:"actions"`
	Events  []string `json:"events"`
}

// ServerPolicy advertises limits the client should respect.
type ServerPolicy struct {
	MaxPayload      int `json:"maxPayload"`
	MaxMessageBytes int `json:"maxMessageBytes"`
}

// Frame aliases keep handler code short.
type (
	Frame      = protocol.Frame
	ErrorShape = protocol.ErrorShape
)
