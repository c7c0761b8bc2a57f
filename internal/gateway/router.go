package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/bus"
	"github.com/nextlevelbuilder/omniclaw/internal/channels"
	"github.com/nextlevelbuilder/omniclaw/internal/config"
	"github.com/nextlevelbuilder/omniclaw/internal/pairing"
	"github.com/nextlevelbuilder/omniclaw/internal/sessions"
	"github.com/nextlevelbuilder/omniclaw/pkg/protocol"
)

// MethodRouter dispatches RPC request frames to their handlers.
type MethodRouter struct {
	s        *Server
	handlers map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo)

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{s: s}
	r.handlers = map[string]handlerFunc{
		protocol.MethodConnect: r.connect,
		protocol.MethodHealth:  r.health,
		protocol.MethodStatus:  r.status,

		protocol.MethodConfigGet:   r.configGet,
		protocol.MethodConfigPatch: r.configPatch,
		protocol.MethodConfigHash:  r.configHash,

		protocol.MethodSessionsList:  r.sessionsList,
		protocol.MethodSessionsPatch: r.sessionsPatch,
		protocol.MethodSessionsReset: r.sessionsReset,

		protocol.MethodPairingList:    r.pairingList,
		protocol.MethodPairingApprove: r.pairingApprove,
		protocol.MethodPairingRevoke:  r.pairingRevoke,

		protocol.MethodChannelsList:   r.channelsList,
		protocol.MethodChannelsStatus: r.channelsStatus,
		protocol.MethodChannelsStart:  r.channelsStart,
		protocol.MethodChannelsStop:   r.channelsStop,

		protocol.MethodCronList: r.cronList,
		protocol.MethodCronRun:  r.cronRun,
	}
	return r
}

// Handle answers one request frame. Unknown methods are not_found.
func (r *MethodRouter) Handle(ctx context.Context, req protocol.RequestFrame) *protocol.ResponseFrame {
	handler, ok := r.handlers[req.Method]
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
	payload, errInfo := handler(ctx, req.Params)
	if errInfo != nil {
		return protocol.NewErrorResponse(req.ID, errInfo.Code, errInfo.Message)
	}
	return protocol.NewOKResponse(req.ID, payload)
}

func rpcError(code, format string, args ...interface{}) *protocol.ErrorInfo {
	return &protocol.ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}

func decode(params json.RawMessage, dst interface{}) *protocol.ErrorInfo {
	if len(params) == 0 {
		return rpcError(protocol.ErrInvalidRequest, "missing params")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return rpcError(protocol.ErrInvalidRequest, "bad params: %v", err)
	}
	return nil
}

// System

func (r *MethodRouter) connect(context.Context, json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	return map[string]interface{}{
		"protocol":   protocol.ProtocolVersion,
		"configHash": r.s.opts.Config.Hash(),
	}, nil
}

func (r *MethodRouter) health(context.Context, json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	return map[string]interface{}{"status": "ok"}, nil
}

func (r *MethodRouter) status(context.Context, json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	statuses := r.s.opts.Manager.Statuses()
	running := 0
	for _, st := range statuses {
		if st.Running {
			running++
		}
	}
	return map[string]interface{}{
		"uptimeMs":        time.Since(r.s.started).Milliseconds(),
		"accounts":        len(statuses),
		"runningAccounts": running,
		"configHash":      r.s.opts.Config.Hash(),
	}, nil
}

// Config

func (r *MethodRouter) configGet(context.Context, json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	return map[string]interface{}{
		"config": r.s.opts.Config.MaskedCopy(),
		"hash":   r.s.opts.Config.Hash(),
	}, nil
}

func (r *MethodRouter) configHash(context.Context, json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	return map[string]string{"hash": r.s.opts.Config.Hash()}, nil
}

func (r *MethodRouter) configPatch(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Config   json.RawMessage `json:"config"`
		BaseHash string          `json:"baseHash"`
	}
	if errInfo := decode(params, &p); errInfo != nil {
		return nil, errInfo
	}
	if len(p.Config) == 0 {
		return nil, rpcError(protocol.ErrInvalidRequest, "missing config document")
	}

	cfg := r.s.opts.Config
	if p.BaseHash != "" && p.BaseHash != cfg.Hash() {
		return nil, rpcError(protocol.ErrConflict, "config changed since baseHash")
	}

	next := config.Default()
	if err := json.Unmarshal(p.Config, next); err != nil {
		return nil, rpcError(protocol.ErrInvalidRequest, "config document: %v", err)
	}
	// A doc round-tripped through config.get carries masked secrets;
	// swap them back for the stored values.
	next.StripMaskedSecrets()
	next.RestoreSecrets(cfg)
	next.ApplyEnvOverrides()

	cfg.ReplaceFrom(next)
	if path := r.s.opts.ConfigPath; path != "" {
		if err := config.Save(path, cfg); err != nil {
			return nil, rpcError(protocol.ErrInternal, "persist config: %v", err)
		}
	}

	hash := cfg.Hash()
	r.s.opts.Bus.Broadcast(bus.Event{Name: protocol.EventConfigChanged, Payload: map[string]string{"hash": hash}})
	return map[string]string{"hash": hash}, nil
}

// Sessions

func (r *MethodRouter) sessionsList(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Agent string `json:"agent"`
	}
	if len(params) > 0 {
		if errInfo := decode(params, &p); errInfo != nil {
			return nil, errInfo
		}
	}

	agents := []string{p.Agent}
	if p.Agent == "" {
		known, err := r.s.opts.Stores.Sessions.ListAgents()
		if err != nil {
			return nil, rpcError(protocol.ErrInternal, "list agents: %v", err)
		}
		agents = known
	}

	type agentSessions struct {
		Agent   string                    `json:"agent"`
		Hash    string                    `json:"hash"`
		Entries map[string]sessions.Entry `json:"entries"`
	}
	out := []agentSessions{}
	for _, agent := range agents {
		snap, err := r.s.opts.Stores.Sessions.Read(agent, false)
		if err != nil {
			return nil, rpcError(protocol.ErrInternal, "read sessions for %s: %v", agent, err)
		}
		out = append(out, agentSessions{Agent: agent, Hash: snap.Hash, Entries: snap.Entries})
	}
	return map[string]interface{}{"agents": out}, nil
}

func (r *MethodRouter) sessionsPatch(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Agent    string                     `json:"agent"`
		BaseHash string                     `json:"baseHash"`
		Patches  map[string]json.RawMessage `json:"patches"`
	}
	if errInfo := decode(params, &p); errInfo != nil {
		return nil, errInfo
	}
	if p.Agent == "" || len(p.Patches) == 0 {
		return nil, rpcError(protocol.ErrInvalidRequest, "agent and patches are required")
	}

	snap, err := r.s.opts.Stores.Sessions.Patch(p.Agent, p.BaseHash, p.Patches)
	if err != nil {
		if errors.Is(err, sessions.ErrConflict) {
			return nil, rpcError(protocol.ErrConflict, "sessions changed since baseHash")
		}
		return nil, rpcError(protocol.ErrInternal, "patch sessions: %v", err)
	}
	return map[string]string{"hash": snap.Hash}, nil
}

func (r *MethodRouter) sessionsReset(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Agent      string `json:"agent"`
		SessionKey string `json:"sessionKey"`
	}
	if errInfo := decode(params, &p); errInfo != nil {
		return nil, errInfo
	}
	if p.Agent == "" || p.SessionKey == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "agent and sessionKey are required")
	}

	snap, err := r.s.opts.Stores.Sessions.Reset(p.Agent, p.SessionKey, time.Now().UnixMilli())
	if err != nil {
		return nil, rpcError(protocol.ErrInternal, "reset session: %v", err)
	}
	return map[string]string{"hash": snap.Hash}, nil
}

// Pairing

func (r *MethodRouter) pairingList(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Channel string `json:"channel"`
	}
	if len(params) > 0 {
		if errInfo := decode(params, &p); errInfo != nil {
			return nil, errInfo
		}
	}
	requests, err := r.s.opts.Stores.Pairing.Requests(p.Channel)
	if err != nil {
		return nil, rpcError(protocol.ErrInternal, "list pairing requests: %v", err)
	}
	return map[string]interface{}{"requests": requests}, nil
}

func (r *MethodRouter) pairingApprove(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Channel string `json:"channel"`
		Code    string `json:"code"`
		ID      string `json:"id"`
	}
	if errInfo := decode(params, &p); errInfo != nil {
		return nil, errInfo
	}
	if p.Channel == "" || (p.Code == "" && p.ID == "") {
		return nil, rpcError(protocol.ErrInvalidRequest, "channel plus code or id required")
	}

	var approved pairing.Request
	var err error
	if p.Code != "" {
		approved, err = r.s.opts.Stores.Pairing.ApproveByCode(p.Channel, p.Code)
	} else {
		approved, err = r.s.opts.Stores.Pairing.Approve(p.Channel, p.ID)
	}
	if err != nil {
		return nil, rpcError(protocol.ErrNotFound, "approve pairing: %v", err)
	}

	r.s.opts.Bus.Broadcast(bus.Event{Name: protocol.EventPairApproved, Payload: map[string]interface{}{
		"channel": p.Channel,
		"request": approved,
	}})
	// Tell the requester; delivery failures are the transport's problem.
	r.s.opts.Bus.PublishOutbound(bus.OutboundMessage{
		Channel: p.Channel,
		ChatID:  approved.ID,
		Content: "You are now paired. Messages you send here will reach the agent.",
	})
	return map[string]interface{}{"approved": approved}, nil
}

func (r *MethodRouter) pairingRevoke(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Channel string `json:"channel"`
		ID      string `json:"id"`
	}
	if errInfo := decode(params, &p); errInfo != nil {
		return nil, errInfo
	}
	if p.Channel == "" || p.ID == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "channel and id are required")
	}
	if err := r.s.opts.Stores.Pairing.Revoke(p.Channel, p.ID); err != nil {
		return nil, rpcError(protocol.ErrNotFound, "revoke pairing: %v", err)
	}
	return map[string]bool{"revoked": true}, nil
}

// Channels

func (r *MethodRouter) channelsList(context.Context, json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	type channelInfo struct {
		Name         string                `json:"name"`
		Label        string                `json:"label"`
		Aliases      []string              `json:"aliases,omitempty"`
		Capabilities channels.Capabilities `json:"capabilities"`
		Accounts     []string              `json:"accounts"`
	}
	var out []channelInfo
	for _, name := range r.s.opts.Registry.Names() {
		ch, _ := r.s.opts.Registry.Get(name)
		meta := ch.Meta()
		out = append(out, channelInfo{
			Name:         name,
			Label:        meta.Label,
			Aliases:      meta.Aliases,
			Capabilities: ch.Capabilities(),
			Accounts:     r.s.opts.Config.ChannelAccountIDs(name),
		})
	}
	return map[string]interface{}{"channels": out}, nil
}

func (r *MethodRouter) channelsStatus(context.Context, json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	return map[string]interface{}{"statuses": r.s.opts.Manager.Statuses()}, nil
}

func (r *MethodRouter) channelsStart(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Channel string `json:"channel"`
		Account string `json:"account"`
	}
	if errInfo := decode(params, &p); errInfo != nil {
		return nil, errInfo
	}
	if p.Channel == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "channel is required")
	}
	if err := r.s.opts.Manager.Start(p.Channel, p.Account); err != nil {
		return nil, rpcError(protocol.ErrInternal, "start %s/%s: %v", p.Channel, p.Account, err)
	}
	return map[string]bool{"started": true}, nil
}

func (r *MethodRouter) channelsStop(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		Channel string `json:"channel"`
		Account string `json:"account"`
	}
	if errInfo := decode(params, &p); errInfo != nil {
		return nil, errInfo
	}
	if p.Channel == "" {
		return nil, rpcError(protocol.ErrInvalidRequest, "channel is required")
	}
	if err := r.s.opts.Manager.Stop(p.Channel, p.Account); err != nil {
		return nil, rpcError(protocol.ErrInternal, "stop %s/%s: %v", p.Channel, p.Account, err)
	}
	return map[string]bool{"stopped": true}, nil
}

// Cron

func (r *MethodRouter) cronList(context.Context, json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	if r.s.opts.Cron == nil {
		return map[string]interface{}{"jobs": []interface{}{}}, nil
	}
	return map[string]interface{}{"jobs": r.s.opts.Cron.Jobs()}, nil
}

func (r *MethodRouter) cronRun(_ context.Context, params json.RawMessage) (interface{}, *protocol.ErrorInfo) {
	var p struct {
		ID string `json:"id"`
	}
	if errInfo := decode(params, &p); errInfo != nil {
		return nil, errInfo
	}
	if r.s.opts.Cron == nil {
		return nil, rpcError(protocol.ErrNotFound, "cron is disabled")
	}
	if err := r.s.opts.Cron.RunJob(p.ID); err != nil {
		return nil, rpcError(protocol.ErrNotFound, "%v", err)
	}
	return map[string]bool{"fired": true}, nil
}
