package sessions

import (
	"bytes"
	"encoding/json"
	"maps"
)

// Entry is one session record. All fields except SessionKey and UpdatedAt
// are optional; unknown JSON keys survive round-trips through Extra so
// newer writers never lose data to older readers.
type Entry struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	// UpdatedAt is wall-clock milliseconds; never moves backwards.
	UpdatedAt int64 `json:"updatedAt"`

	InputTokens   int64 `json:"inputTokens,omitempty"`
	OutputTokens  int64 `json:"outputTokens,omitempty"`
	TotalTokens   int64 `json:"totalTokens,omitempty"`
	ContextTokens int64 `json:"contextTokens,omitempty"`

	Model            string `json:"model,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`
	ProviderOverride string `json:"providerOverride,omitempty"`

	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	VerboseLevel   string `json:"verboseLevel,omitempty"`
	ReasoningLevel string `json:"reasoningLevel,omitempty"`
	ElevatedLevel  string `json:"elevatedLevel,omitempty"`

	ResponseUsage   json.RawMessage `json:"responseUsage,omitempty"`
	GroupActivation string          `json:"groupActivation,omitempty"`
	SystemSent      bool            `json:"systemSent,omitempty"`
	AbortedLastRun  bool            `json:"abortedLastRun,omitempty"`
	SkillsSnapshot  json.RawMessage `json:"skillsSnapshot,omitempty"`
	SendPolicy      string          `json:"sendPolicy,omitempty"`

	// Per-backend CLI session ids, keyed by backend name.
	CLISessionIDs      map[string]string `json:"cliSessionIds,omitempty"`
	ClaudeCLISessionID string            `json:"claudeCliSessionId,omitempty"`

	ChatType  string `json:"chatType,omitempty"`
	Label     string `json:"label,omitempty"`
	SpawnedBy string `json:"spawnedBy,omitempty"`

	// Extra holds keys this build does not model. Known fields always
	// win over Extra on marshal.
	Extra map[string]json.RawMessage `json:"-"`
}

// entryAlias strips Entry's methods so encoding/json handles the struct
// fields without recursing into the custom codec.
type entryAlias Entry

var knownEntryFields = map[string]struct{}{
	"sessionKey":         {},
	"sessionId":          {},
	"agentId":            {},
	"updatedAt":          {},
	"inputTokens":        {},
	"outputTokens":       {},
	"totalTokens":        {},
	"contextTokens":      {},
	"model":              {},
	"modelOverride":      {},
	"providerOverride":   {},
	"thinkingLevel":      {},
	"verboseLevel":       {},
	"reasoningLevel":     {},
	"elevatedLevel":      {},
	"responseUsage":      {},
	"groupActivation":    {},
	"systemSent":         {},
	"abortedLastRun":     {},
	"skillsSnapshot":     {},
	"sendPolicy":         {},
	"cliSessionIds":      {},
	"claudeCliSessionId": {},
	"chatType":           {},
	"label":              {},
	"spawnedBy":          {},
}

func (e Entry) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(entryAlias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(base, &obj); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, known := knownEntryFields[k]; known {
			continue
		}
		obj[k] = v
	}
	return json.Marshal(obj)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var a entryAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := knownEntryFields[k]; known {
			delete(raw, k)
		}
	}
	*e = Entry(a)
	if len(raw) > 0 {
		e.Extra = raw
	} else {
		e.Extra = nil
	}
	return nil
}

// ApplyPatch merges a partial JSON object onto the entry. Fields absent
// from the patch keep their current values; unknown keys land in Extra.
func (e *Entry) ApplyPatch(patch json.RawMessage) error {
	a := entryAlias(*e)
	if err := json.Unmarshal(patch, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(patch, &raw); err != nil {
		return err
	}
	*e = Entry(a)
	for k, v := range raw {
		if _, known := knownEntryFields[k]; known {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[k] = v
	}
	return nil
}

// ResetRunState clears the fields tied to a live CLI session so the next
// inbound starts fresh. Overrides and counters survive.
func (e Entry) ResetRunState(now int64) Entry {
	e.SessionID = ""
	e.CLISessionIDs = nil
	e.ClaudeCLISessionID = ""
	e.AbortedLastRun = false
	e.SystemSent = false
	e.UpdatedAt = max(e.UpdatedAt, now)
	return e
}

func (e Entry) clone() Entry {
	out := e
	if e.CLISessionIDs != nil {
		out.CLISessionIDs = maps.Clone(e.CLISessionIDs)
	}
	if e.Extra != nil {
		out.Extra = maps.Clone(e.Extra)
	}
	if e.ResponseUsage != nil {
		out.ResponseUsage = bytes.Clone(e.ResponseUsage)
	}
	if e.SkillsSnapshot != nil {
		out.SkillsSnapshot = bytes.Clone(e.SkillsSnapshot)
	}
	return out
}

// CloneEntries deep-copies a session document so callers can hand out
// snapshots without exposing cache internals.
func CloneEntries(entries map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(entries))
	for k, v := range entries {
		out[k] = v.clone()
	}
	return out
}
