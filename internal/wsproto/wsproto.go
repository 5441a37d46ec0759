// Package wsproto defines the tagged WebSocket message types exchanged
// between the browser and a session, replacing the teacher's untyped
// 0x00-prefixed JSON control frame convention (see
// routes/terminal.go's handleControlFrame/writeWSControl) with explicit
// inbound/outbound sum types validated at the decode boundary, per spec §9.
package wsproto

import (
	"encoding/json"
	"fmt"
)

// Inbound message type tags (browser → server).
const (
	TypeConnectToHost           = "connectToHost"
	TypeInput                   = "input"
	TypeResize                  = "resize"
	TypeDisconnect               = "disconnect"
	TypePing                    = "ping"
	TypeTOTPResponse             = "totp_response"
	TypePasswordResponse         = "password_response"
	TypeWarpgateAuthContinue     = "warpgate_auth_continue"
	TypeReconnectWithCredentials = "reconnect_with_credentials"
	TypeOPKStartAuth             = "opkssh_start_auth"
	TypeOPKCancel                = "opkssh_cancel"
	TypeOPKBrowserOpened         = "opkssh_browser_opened"
	TypeOPKAuthCompleted         = "opkssh_auth_completed"
)

// Outbound message type tags (server → browser).
const (
	TypeConnectionLog        = "connection_log"
	TypeConnected             = "connected"
	TypeDisconnected          = "disconnected"
	TypeData                  = "data"
	TypeResized               = "resized"
	TypeError                 = "error"
	TypeAuthMethodNotAvailable = "auth_method_not_available"
	TypeHostKeyPrompt         = "host_key_prompt"
	TypeHostKeyMismatch       = "host_key_mismatch"
	TypeOPKStatus             = "opkssh_status"
	TypeOPKConfigError        = "opkssh_config_error"
	TypeOPKError              = "opkssh_error"
	TypeOPKCompleted          = "opkssh_completed"
	TypeOPKTimeout            = "opkssh_timeout"
	TypeOPKAuthRequired       = "opkssh_auth_required"
	TypePong                  = "pong"
)

// envelope is the only shape every inbound message is required to satisfy:
// a required type tag. Decode rejects anything missing it.
type envelope struct {
	Type string `json:"type"`
}

// Inbound is the decoded, tagged union of every browser → server message.
// Exactly one of the payload fields is meaningful, selected by Type.
type Inbound struct {
	Type string

	ConnectToHost           *ConnectToHost
	Input                   *InputData
	Resize                  *ResizeData
	TOTPResponse             *CodeResponse
	PasswordResponse         *CodeResponse
	ReconnectWithCredentials *ReconnectWithCredentials
	OPKStartAuth             *OPKStartAuth
	OPKCancel                *OPKCancel
}

// ConnectToHost is the payload of a connectToHost message.
type ConnectToHost struct {
	HostID   string `json:"hostId"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	AuthType string `json:"authType"`
	Password string `json:"password,omitempty"`
	Kind     string `json:"kind,omitempty"` // "terminal"|"tunnel"|"file_manager"|"docker"
	Cols     int    `json:"cols,omitempty"`
	Rows     int    `json:"rows,omitempty"`
}

// InputData is the payload of an input message: raw UTF-8 bytes for the
// remote shell's stdin.
type InputData struct {
	Data string `json:"data"`
}

// ResizeData is the payload of a resize message.
type ResizeData struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// CodeResponse is the shared shape of totp_response/password_response/
// warpgate_auth_continue payloads: a single string answer.
type CodeResponse struct {
	Data string `json:"data"`
}

// ReconnectWithCredentials carries a user-supplied fallback credential
// after auth_method_not_available, per spec §4.5.
type ReconnectWithCredentials struct {
	AuthType      string `json:"authType"`
	Password      string `json:"password,omitempty"`
	PrivateKey    string `json:"privateKey,omitempty"`
	KeyPassphrase string `json:"keyPassphrase,omitempty"`
}

// OPKStartAuth is the payload of an opkssh_start_auth message.
type OPKStartAuth struct {
	HostID string `json:"hostId"`
}

// OPKCancel is the payload of an opkssh_cancel message.
type OPKCancel struct {
	RequestID string `json:"requestId"`
}

// Decode parses raw into a tagged Inbound, rejecting anything without a
// recognized type tag. This is the boundary validation spec §9 calls for
// in place of `any` payload types.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("wsproto: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Inbound{}, fmt.Errorf("wsproto: missing type field")
	}

	msg := Inbound{Type: env.Type}
	var err error
	switch env.Type {
	case TypeConnectToHost:
		msg.ConnectToHost = new(ConnectToHost)
		err = json.Unmarshal(raw, msg.ConnectToHost)
	case TypeInput:
		msg.Input = new(InputData)
		err = json.Unmarshal(raw, msg.Input)
	case TypeResize:
		msg.Resize = new(ResizeData)
		err = json.Unmarshal(raw, msg.Resize)
	case TypeTOTPResponse:
		msg.TOTPResponse = new(CodeResponse)
		err = json.Unmarshal(raw, msg.TOTPResponse)
	case TypePasswordResponse:
		msg.PasswordResponse = new(CodeResponse)
		err = json.Unmarshal(raw, msg.PasswordResponse)
	case TypeWarpgateAuthContinue:
		msg.TOTPResponse = new(CodeResponse) // shares shape; caller routes by Type
		err = json.Unmarshal(raw, msg.TOTPResponse)
	case TypeReconnectWithCredentials:
		msg.ReconnectWithCredentials = new(ReconnectWithCredentials)
		err = json.Unmarshal(raw, msg.ReconnectWithCredentials)
	case TypeOPKStartAuth:
		msg.OPKStartAuth = new(OPKStartAuth)
		err = json.Unmarshal(raw, msg.OPKStartAuth)
	case TypeOPKCancel:
		msg.OPKCancel = new(OPKCancel)
		err = json.Unmarshal(raw, msg.OPKCancel)
	case TypeDisconnect, TypePing, TypeOPKBrowserOpened, TypeOPKAuthCompleted:
		// No payload beyond the type tag.
	default:
		return Inbound{}, fmt.Errorf("wsproto: unknown message type %q", env.Type)
	}
	if err != nil {
		return Inbound{}, fmt.Errorf("wsproto: decode %s payload: %w", env.Type, err)
	}
	return msg, nil
}

// Outbound messages. Each is built by one of the helpers below, which sets
// the type tag itself so callers can't forget it.

func marshalTagged(typ string, fields map[string]any) []byte {
	m := map[string]any{"type": typ}
	for k, v := range fields {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return b
}

// ConnectionLog builds a connection_log{stage,level,message,details} frame.
func ConnectionLog(stage, level, message string, details any) []byte {
	return marshalTagged(TypeConnectionLog, map[string]any{
		"stage": stage, "level": level, "message": message, "details": details,
	})
}

// Connected builds a bare connected frame.
func Connected() []byte { return marshalTagged(TypeConnected, nil) }

// Disconnected builds a bare disconnected frame.
func Disconnected() []byte { return marshalTagged(TypeDisconnected, nil) }

// Data builds a data{data} frame carrying UTF-8 (falling back to Latin-1
// encoded text upstream when decode fails, per spec §4.7).
func Data(data string) []byte {
	return marshalTagged(TypeData, map[string]any{"data": data})
}

// Resized builds a resized{cols,rows} frame.
func Resized(cols, rows int) []byte {
	return marshalTagged(TypeResized, map[string]any{"cols": cols, "rows": rows})
}

// Error builds an error{message,code?} frame.
func Error(message, code string) []byte {
	fields := map[string]any{"message": message}
	if code != "" {
		fields["code"] = code
	}
	return marshalTagged(TypeError, fields)
}

// AuthMethodNotAvailable builds a bare auth_method_not_available frame.
func AuthMethodNotAvailable() []byte {
	return marshalTagged(TypeAuthMethodNotAvailable, nil)
}

// HostKeyPrompt builds a host_key_prompt{fingerprint} frame.
func HostKeyPrompt(fingerprint string) []byte {
	return marshalTagged(TypeHostKeyPrompt, map[string]any{"fingerprint": fingerprint})
}

// HostKeyMismatch builds a bare host_key_mismatch frame.
func HostKeyMismatch() []byte { return marshalTagged(TypeHostKeyMismatch, nil) }

// OPKStatus builds an opkssh_status{stage,url,localUrl,message} frame.
func OPKStatus(stage, url, localURL, message string) []byte {
	return marshalTagged(TypeOPKStatus, map[string]any{
		"stage": stage, "url": url, "localUrl": localURL, "message": message,
	})
}

// OPKConfigError builds an opkssh_config_error{error,instructions} frame.
func OPKConfigError(errMsg, instructions string) []byte {
	return marshalTagged(TypeOPKConfigError, map[string]any{
		"error": errMsg, "instructions": instructions,
	})
}

// OPKError builds an opkssh_error{requestId,error} frame.
func OPKError(requestID, errMsg string) []byte {
	return marshalTagged(TypeOPKError, map[string]any{"requestId": requestID, "error": errMsg})
}

// OPKCompleted builds an opkssh_completed{requestId,expiresAt} frame.
func OPKCompleted(requestID, expiresAt string) []byte {
	return marshalTagged(TypeOPKCompleted, map[string]any{"requestId": requestID, "expiresAt": expiresAt})
}

// OPKTimeout builds an opkssh_timeout{requestId} frame.
func OPKTimeout(requestID string) []byte {
	return marshalTagged(TypeOPKTimeout, map[string]any{"requestId": requestID})
}

// OPKAuthRequired builds an opkssh_auth_required{hostId} frame.
func OPKAuthRequired(hostID string) []byte {
	return marshalTagged(TypeOPKAuthRequired, map[string]any{"hostId": hostID})
}

// Pong builds a bare pong frame.
func Pong() []byte { return marshalTagged(TypePong, nil) }
