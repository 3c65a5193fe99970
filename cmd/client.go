package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/protocol"
)

// rpcTimeout bounds one CLI request round trip. Agent runs can stream for
// much longer; Call takes an explicit override for those.
const rpcTimeout = 30 * time.Second

// gatewayClient is a short-lived control-plane connection for CLI
// subcommands.
type gatewayClient struct {
	conn *websocket.Conn
}

// dialGateway connects to the local gateway and authorizes. The token is
// offered as a subprotocol; plain loopback connections pass without one.
func dialGateway() (*gatewayClient, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, exitWith(exitInvalidArgs, "load config: %v", err)
	}
	snap := cfg.Snapshot()

	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", snap.Gateway.Host, snap.Gateway.Port), Path: "/ws"}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"clawdis"},
	}
	if snap.Gateway.Token != "" {
		dialer.Subprotocols = append(dialer.Subprotocols, "clawdis-token."+snap.Gateway.Token)
	}

	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == 403 {
			return nil, exitWith(exitUnauthorized, "gateway refused connection: %v", err)
		}
		return nil, exitWith(exitUnreachable, "gateway unreachable at %s: %v", u.Host, err)
	}

	c := &gatewayClient{conn: conn}
	if _, err := c.call(protocol.MethodHello, map[string]string{"token": snap.Gateway.Token}, rpcTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *gatewayClient) Close() { c.conn.Close() }

// call sends one request and waits for the matching response, discarding
// interleaved event frames.
func (c *gatewayClient) call(method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, exitWith(exitInvalidArgs, "encode params: %v", err)
		}
		raw = data
	}
	frame := protocol.RequestFrame{ID: id, Method: method, Params: raw}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(frame); err != nil {
		return nil, exitWith(exitUnreachable, "write request: %v", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, exitWith(exitUnreachable, "read response: %v", err)
		}
		var resp struct {
			ID     string              `json:"id"`
			OK     bool                `json:"ok"`
			Result json.RawMessage     `json:"result"`
			Error  *protocol.ErrorInfo `json:"error"`
		}
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID != id {
			continue // event frame or foreign response
		}
		if !resp.OK {
			code, msg := protocol.ErrInternal, "unknown error"
			if resp.Error != nil {
				code, msg = resp.Error.Code, resp.Error.Message
			}
			if code == protocol.ErrUnauthorized {
				return nil, exitWith(exitUnauthorized, "%s", msg)
			}
			return nil, exitWith(exitRemoteError, "%s: %s", code, msg)
		}
		return resp.Result, nil
	}
}

// printJSON pretty-prints an RPC result to stdout.
func printJSON(result json.RawMessage) {
	var v interface{}
	if err := json.Unmarshal(result, &v); err != nil {
		fmt.Println(string(result))
		return
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(string(out))
}

// runRPC is the shared body of the thin client subcommands.
func runRPC(method string, params interface{}, timeout time.Duration) error {
	client, err := dialGateway()
	if err != nil {
		return err
	}
	defer client.Close()
	result, err := client.call(method, params, timeout)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}
