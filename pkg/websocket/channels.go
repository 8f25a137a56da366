package websocket

// Channel names for WebSocket frames. Channels are namespaced by subsystem
// with a colon separator, e.g. "terminal:input".
const (
	// Health
	ChannelHealthCheck = "health:check"

	// Project channels
	ChannelProjectList   = "project:list"
	ChannelProjectCreate = "project:create"
	ChannelProjectGet    = "project:get"
	ChannelProjectDelete = "project:delete"
	ChannelProjectJoin   = "project:join"

	// Chat session channels
	ChannelChatJoin            = "chat:join"
	ChannelChatSessionCreate   = "chat:session-create"
	ChannelChatSessionList     = "chat:session-list"
	ChannelChatMessageAppend   = "chat:message-append"
	ChannelChatMessageList     = "chat:message-list"
	ChannelChatBranchCreate    = "chat:branch-create"
	ChannelChatBranchSwitch    = "chat:branch-switch"
	ChannelChatBranchList      = "chat:branch-list"
	ChannelChatMessagesChanged = "chat:messages-changed"

	// Snapshot / checkpoint channels
	ChannelSnapshotCapture  = "snapshot:capture"
	ChannelSnapshotRestore  = "snapshot:restore"
	ChannelSnapshotTimeline = "snapshot:timeline"

	// Terminal channels
	ChannelTerminalCreate       = "terminal:create"
	ChannelTerminalInput        = "terminal:input"
	ChannelTerminalResize       = "terminal:resize"
	ChannelTerminalKill         = "terminal:kill"
	ChannelTerminalOutput       = "terminal:output"
	ChannelTerminalExit         = "terminal:exit"
	ChannelTerminalMissedOutput = "terminal:missed-output"

	// Tunnel channels
	ChannelTunnelStart    = "tunnel:start"
	ChannelTunnelStop     = "tunnel:stop"
	ChannelTunnelProgress = "tunnel:progress"

	// Browser preview channels
	ChannelPreviewTabList        = "preview:browser-tab-list"
	ChannelPreviewTabOpen        = "preview:browser-tab-open"
	ChannelPreviewTabSwitch      = "preview:browser-tab-switch"
	ChannelPreviewTabClose       = "preview:browser-tab-close"
	ChannelPreviewNavigate       = "preview:browser-navigate"
	ChannelPreviewSetViewport    = "preview:browser-set-viewport"
	ChannelPreviewTabOpened      = "preview:browser-tab-opened"
	ChannelPreviewTabClosed      = "preview:browser-tab-closed"
	ChannelPreviewDialog         = "preview:browser-dialog"
	ChannelPreviewDialogInput    = "preview:browser-dialog-input"
	ChannelPreviewConsoleGet     = "preview:browser-console-get"
	ChannelPreviewConsoleClear   = "preview:browser-console-clear"
	ChannelPreviewConsoleExec    = "preview:browser-console-execute"
	ChannelPreviewConsoleToggle  = "preview:browser-console-toggle"
	ChannelPreviewAnalyzeDOM     = "preview:browser-analyze-dom"
	ChannelPreviewScreenshot     = "preview:browser-screenshot"
	ChannelPreviewActions        = "preview:browser-actions"
	ChannelPreviewStreamStart    = "preview:browser-stream-start"
	ChannelPreviewStreamOffer    = "preview:browser-stream-offer"
	ChannelPreviewStreamAnswer   = "preview:browser-stream-answer"
	ChannelPreviewStreamICE      = "preview:browser-stream-ice"
	ChannelPreviewStreamState    = "preview:browser-stream-state"

	// Git channels
	ChannelGitStatus   = "git:status"
	ChannelGitStage    = "git:stage"
	ChannelGitUnstage  = "git:unstage"
	ChannelGitDiscard  = "git:discard"
	ChannelGitCommit   = "git:commit"
	ChannelGitDiff     = "git:diff"
	ChannelGitLog      = "git:log"
	ChannelGitBranches = "git:branches"
	ChannelGitRemotes  = "git:remotes"
	ChannelGitFetch    = "git:fetch"
	ChannelGitPull     = "git:pull"
	ChannelGitPush     = "git:push"
	ChannelGitStash    = "git:stash"
	ChannelGitTags     = "git:tags"
	ChannelGitMerge    = "git:merge"
)

// Error codes surfaced on the wire as {code, message}.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeUnknownChannel = "UNKNOWN_CHANNEL"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeIO             = "IO_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodePermission     = "PERMISSION"
	ErrCodeInternal       = "INTERNAL"
)
