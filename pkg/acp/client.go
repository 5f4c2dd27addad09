package acp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
)

// ClientInfo identifies the gateway to the agent.
type ClientInfo struct {
	Name    string
	Version string
}

// AgentInfo is what the agent reports about itself during initialize.
type AgentInfo struct {
	Name        string
	Version     string
	LoadSession bool
}

// Mode is an agent profile that can be selected with session/set_mode.
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Model is a model that can be selected with session/set_model.
type Model struct {
	ID          string `json:"modelId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModeState lists the modes of a session and the active one.
type ModeState struct {
	CurrentModeID  string `json:"currentModeId"`
	AvailableModes []Mode `json:"availableModes"`
}

// ModelState lists the models of a session and the active one.
type ModelState struct {
	CurrentModelID  string  `json:"currentModelId"`
	AvailableModels []Model `json:"availableModels"`
}

// SessionInfo is the result of session/new or session/load.
type SessionInfo struct {
	ID     string      `json:"sessionId"`
	Modes  *ModeState  `json:"modes,omitempty"`
	Models *ModelState `json:"models,omitempty"`
	// ReplayedThrough is the Seq of the last event the agent sent before
	// answering session/load. Events up to it replay earlier history.
	ReplayedThrough int64 `json:"-"`
}

// PermissionOutcome is the gateway's answer to a permission request.
type PermissionOutcome int

const (
	// OutcomeAllowOnce approves this tool call only.
	OutcomeAllowOnce PermissionOutcome = iota + 1
	// OutcomeAllowAlways approves and asks the agent to remember the approval.
	OutcomeAllowAlways
	// OutcomeReject denies the tool call.
	OutcomeReject
)

// Option ids used when the agent does not offer an option of the wanted kind.
const (
	fallbackAllowOnce    = "allow_once"
	fallbackAllowAlways  = "allow_always"
	optionKindRejectOnce = "reject_once"
)

// Initialize performs the protocol handshake.
func (c *Conn) Initialize(ctx context.Context, info ClientInfo, timeout time.Duration) (AgentInfo, error) {
	params := acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientInfo: &acpsdk.Implementation{
			Name:    info.Name,
			Version: info.Version,
		},
	}

	raw, err := c.SendRequest(ctx, MethodInitialize, params, timeout)
	if err != nil {
		return AgentInfo{}, fmt.Errorf("failed to initialize agent: %w", err)
	}

	var resp acpsdk.InitializeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return AgentInfo{}, fmt.Errorf("failed to decode initialize response: %w", err)
	}

	agent := AgentInfo{Name: "unknown", Version: "unknown", LoadSession: resp.AgentCapabilities.LoadSession}
	if resp.AgentInfo != nil {
		agent.Name = resp.AgentInfo.Name
		agent.Version = resp.AgentInfo.Version
	}
	return agent, nil
}

// NewSession creates an agent session rooted at cwd.
func (c *Conn) NewSession(ctx context.Context, cwd string, timeout time.Duration) (SessionInfo, error) {
	params := acpsdk.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acpsdk.McpServer{},
	}

	raw, err := c.SendRequest(ctx, MethodSessionNew, params, timeout)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to create agent session: %w", err)
	}

	var info SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("failed to decode session/new response: %w", err)
	}
	if info.ID == "" {
		return SessionInfo{}, fmt.Errorf("agent returned an empty session id")
	}
	return info, nil
}

// SetMode switches the agent profile of a session.
func (c *Conn) SetMode(ctx context.Context, sessionID, modeID string, timeout time.Duration) error {
	params := acpsdk.SetSessionModeRequest{
		SessionId: acpsdk.SessionId(sessionID),
		ModeId:    acpsdk.SessionModeId(modeID),
	}
	if _, err := c.SendRequest(ctx, MethodSessionSetMode, params, timeout); err != nil {
		return fmt.Errorf("failed to set mode %q: %w", modeID, err)
	}
	return nil
}

// SetModel switches the model of a session.
func (c *Conn) SetModel(ctx context.Context, sessionID, modelID string, timeout time.Duration) error {
	params := acpsdk.SetSessionModelRequest{
		SessionId: acpsdk.SessionId(sessionID),
		ModelId:   acpsdk.ModelId(modelID),
	}
	if _, err := c.SendRequest(ctx, MethodSessionSetModel, params, timeout); err != nil {
		return fmt.Errorf("failed to set model %q: %w", modelID, err)
	}
	return nil
}

// LoadSession resumes an earlier agent session in cwd. The agent replays the
// session's history as session/update notifications before it responds.
func (c *Conn) LoadSession(ctx context.Context, sessionID, cwd string, timeout time.Duration) (SessionInfo, error) {
	params := acpsdk.LoadSessionRequest{
		SessionId:  acpsdk.SessionId(sessionID),
		Cwd:        cwd,
		McpServers: []acpsdk.McpServer{},
	}

	res, err := c.call(ctx, MethodSessionLoad, params, timeout)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to load agent session %q: %w", sessionID, err)
	}

	var info SessionInfo
	if len(res.result) > 0 && string(res.result) != "null" {
		if err := json.Unmarshal(res.result, &info); err != nil {
			return SessionInfo{}, fmt.Errorf("failed to decode session/load response: %w", err)
		}
	}
	info.ID = sessionID
	info.ReplayedThrough = res.seq
	return info, nil
}

// Image is an inline image sent with a prompt.
type Image struct {
	MimeType string
	Data     []byte
}

// imageOnlyText accompanies prompts that carry only images; Kiro rejects
// prompts without a text block.
const imageOnlyText = "?"

func promptBlocks(text string, images []Image) []acpsdk.ContentBlock {
	blocks := make([]acpsdk.ContentBlock, 0, len(images)+1)
	for _, img := range images {
		blocks = append(blocks, acpsdk.ImageBlock(base64.StdEncoding.EncodeToString(img.Data), img.MimeType))
	}
	if text == "" && len(images) > 0 {
		text = imageOnlyText
	}
	return append(blocks, acpsdk.TextBlock(text))
}

// Prompt starts a turn. Images precede the text in the prompt. Its outcome
// arrives on the event stream as EventTurnComplete or EventAgentError carrying
// the returned request id.
func (c *Conn) Prompt(sessionID, text string, images ...Image) (int64, error) {
	params := acpsdk.PromptRequest{
		SessionId: acpsdk.SessionId(sessionID),
		Prompt:    promptBlocks(text, images),
	}

	return c.SendAsync(MethodSessionPrompt, params, func(raw json.RawMessage, err error) Event {
		if err != nil {
			return Event{Kind: EventAgentError, SessionID: sessionID, Err: err}
		}
		var resp acpsdk.PromptResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return Event{
				Kind:      EventAgentError,
				SessionID: sessionID,
				Err:       fmt.Errorf("failed to decode prompt response: %w", err),
			}
		}
		return Event{Kind: EventTurnComplete, SessionID: sessionID, StopReason: string(resp.StopReason)}
	})
}

// Cancel asks the agent to stop the running turn of a session.
func (c *Conn) Cancel(sessionID string) error {
	return c.SendNotification(MethodSessionCancel, acpsdk.CancelNotification{
		SessionId: acpsdk.SessionId(sessionID),
	})
}

// ReplyPermission answers a permission request.
func (c *Conn) ReplyPermission(req *PermissionRequest, outcome PermissionOutcome) error {
	return c.Respond(req.ID, permissionResponse(req, outcome))
}

func permissionResponse(req *PermissionRequest, outcome PermissionOutcome) acpsdk.RequestPermissionResponse {
	selected := func(id string) acpsdk.RequestPermissionResponse {
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.RequestPermissionOutcome{
				Selected: &acpsdk.RequestPermissionOutcomeSelected{OptionId: acpsdk.PermissionOptionId(id)},
			},
		}
	}

	switch outcome {
	case OutcomeAllowOnce:
		return selected(req.optionID(string(acpsdk.PermissionOptionKindAllowOnce), fallbackAllowOnce))
	case OutcomeAllowAlways:
		return selected(req.optionID(string(acpsdk.PermissionOptionKindAllowAlways), fallbackAllowAlways))
	}

	if id := req.optionID(optionKindRejectOnce, ""); id != "" {
		return selected(id)
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Cancelled: &acpsdk.RequestPermissionOutcomeCancelled{},
		},
	}
}

func (r *PermissionRequest) optionID(kind, fallback string) string {
	for _, opt := range r.Options {
		if opt.Kind == kind {
			return opt.ID
		}
	}
	return fallback
}
