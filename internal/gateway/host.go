// Package gateway defines the contract between the bridge plugin and the
// chat gateway that hosts it, plus the client for the gateway's message
// delivery CLI. The gateway itself is an external collaborator: the plugin
// only ever sees the types in this package.
//
// The host invokes the registered before-reply hook for every incoming
// chat message. A hook that returns nil passes the message through to the
// host's built-in model; a non-nil Reply short-circuits it. The host treats
// a panicking hook as if it had returned nil, silently falling back to its
// built-in model, which is exactly the failure mode the bridge exists to
// avoid — hook implementations must therefore be total.
package gateway

import "context"

// Event is the payload delivered to a before-reply hook: one user message
// together with its routing context. All fields are free-form strings
// supplied by the host; optional fields are empty when the host did not
// provide them.
type Event struct {
	// Agent is the identifier of the agent the message is addressed to.
	Agent string
	// From identifies the sender within the channel.
	From string
	// Channel is the chat channel the message arrived on (e.g. "telegram").
	Channel string
	// AccountID is the gateway account the message arrived through.
	AccountID string
	// Body is the user's command body.
	Body string

	// SenderName, SenderUsername and SenderID carry additional sender
	// identity when the host knows it. Optional.
	SenderName     string
	SenderUsername string
	SenderID       string
	// Transcript is the recent conversation transcript. Optional.
	Transcript string
	// SessionKey is a stable conversation identity. When empty the bridge
	// derives "<channel>:<accountId>:<from>".
	SessionKey string
}

// Reply is the hook's answer to an Event. Text is delivered to the end
// user; IsError marks replies that report a bridge-side failure.
type Reply struct {
	Text    string
	IsError bool
}

// Hook is a before-reply handler. A nil return passes the event through to
// the host. Implementations must not panic and must return on every path.
type Hook func(ctx context.Context, ev *Event) *Reply

// Tool is an explicitly invocable gateway tool. Run receives the tool's
// arguments and returns the text content to present, or an error the host
// surfaces to the caller.
type Tool struct {
	// Name is the identifier the tool is invoked by.
	Name string
	// Description is shown to agents when listing available tools.
	Description string
	// Run executes the tool.
	Run func(ctx context.Context, args map[string]any) (string, error)
}

// ToolFactory builds the tool instance for one agent. Returning nil means
// the tool is not available to that agent.
type ToolFactory func(agentID string) *Tool

// Service is a long-running background component owned by the host's
// service manager.
type Service interface {
	// Start launches the service. It returns an error when the service
	// cannot come up; the host aborts registration in that case.
	Start(ctx context.Context) error
	// Stop signals the service to shut down and blocks until it has.
	Stop()
}

// Host is the surface the plugin uses to register itself with the gateway.
type Host interface {
	// RegisterHook installs a before-reply hook at the given priority.
	// Higher priorities run earlier.
	RegisterHook(event string, priority int, h Hook)
	// RegisterTool installs a per-agent tool factory.
	RegisterTool(f ToolFactory)
	// RegisterService hands a background service to the host's lifecycle
	// manager.
	RegisterService(s Service)
}
