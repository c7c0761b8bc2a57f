package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

// gatewayCall dials the running gateway, performs one RPC, and returns
// the payload. Management subcommands are thin wrappers over this.
func gatewayCall(method string, params interface{}) (interface{}, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	wsURL := fmt.Sprintf("ws://%s:%d/ws", host, cfg.Gateway.Port)

	header := http.Header{}
	if cfg.Gateway.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Gateway.Token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s (is it running?): %w", wsURL, err)
	}
	defer conn.Close()

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	reqID := uuid.NewString()[:8]
	if err := conn.WriteJSON(protocol.RequestFrame{
		Type: "req", ID: reqID, Method: method, Params: raw,
	}); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	// Event frames may interleave before our response arrives.
	for {
		var frame struct {
			Type  string              `json:"type"`
			ID    string              `json:"id"`
			OK    bool                `json:"ok"`
			Error *protocol.ErrorInfo `json:"error"`

			Payload interface{} `json:"payload"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if frame.Type != "res" || frame.ID != reqID {
			continue
		}
		if !frame.OK {
			if frame.Error != nil {
				return nil, fmt.Errorf("%s: %s", frame.Error.Code, frame.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return frame.Payload, nil
	}
}

// runRPC executes one gateway RPC and prints the payload as indented
// JSON, exiting non-zero on failure.
func runRPC(method string, params interface{}) {
	payload, err := gatewayCall(method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printJSON(payload)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
