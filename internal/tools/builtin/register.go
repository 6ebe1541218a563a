package builtin

import (
	"github.com/xonecas/agentcli/internal/checkpoint"
	"github.com/xonecas/agentcli/internal/permission"
	"github.com/xonecas/agentcli/internal/shell"
	"github.com/xonecas/agentcli/internal/tools"
)

// Register adds the full built-in tool set — read_file, write_file,
// edit_file, glob, grep, bash, and web_fetch — to reg. store and session
// are threaded into write_file/edit_file/bash for checkpoint snapshotting;
// store may be nil to disable undo support. sh is the shell used by bash.
func Register(reg *tools.Registry, sh *shell.Shell, store *checkpoint.Store, session string, onBashOutput func(chunk string)) {
	reg.Register(tools.Entry{
		Tool:    NewReadFileTool(),
		Risk:    permission.ReadOnly,
		Handler: ReadFileHandler,
	})
	reg.Register(tools.Entry{
		Tool:    NewGlobTool(),
		Risk:    permission.ReadOnly,
		Handler: GlobHandler,
	})
	reg.Register(tools.Entry{
		Tool:    NewGrepTool(),
		Risk:    permission.ReadOnly,
		Handler: GrepHandler,
	})
	reg.Register(tools.Entry{
		Tool:    NewWriteFileTool(),
		Risk:    permission.Moderate,
		Handler: NewWriteFileHandler(store, session),
	})
	reg.Register(tools.Entry{
		Tool:    NewEditFileTool(),
		Risk:    permission.Moderate,
		Handler: NewEditFileHandler(store, session),
	})
	reg.Register(tools.Entry{
		Tool:    NewWebFetchTool(),
		Risk:    permission.Moderate,
		Handler: WebFetchHandler,
	})
	reg.Register(tools.Entry{
		Tool:    NewBashTool(),
		Risk:    permission.Dangerous,
		Handler: NewBashHandler(sh, store, session, onBashOutput),
	})
}
