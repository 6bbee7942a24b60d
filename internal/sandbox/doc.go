/*
Package sandbox hosts plugin scripts in isolated goja realms.

# Overview

A Host owns one plugin instance's sandbox lifecycle. Every Load creates a fresh realm:

  - Runtime: a goja VM driven by a single event-loop goroutine
  - Channel: a two-way FIFO message channel between realm and host
  - Bridge: the capability table exposed to the script as the plugin global

Nothing survives a reload. The previous channel is closed, its queued messages are
dropped, its bridge is revoked and the owner's property overrides are retracted
before the new realm starts.

# Lifecycle

	unloaded → loading → ready → (reloading → ready)* → torn down
	               └────→ error ──(Load)──→ loading

Load is asynchronous: fetch, compile and run failures are emitted as error events and
never returned to the caller. Teardown is idempotent and cancels an in-flight load.

# Security Model

Sandboxed code cannot:
  - Reach the filesystem, network or Go runtime (require, process, module are removed)
  - Run a single task longer than the configured execution timeout
  - Call a capability after its realm has been torn down
  - Change its own visibility (visibility is host configuration only)

EvalCode bypasses the message channel and is only available when EnableEval is set.
It exists so tests can simulate plugin behaviour deterministically.

# Auto-resize

With auto-resize enabled, inbound messages of the form

	{"__sandbox_auto_resize__": {"width": "300px", "height": 120}}

update the presented frame size. Their inner payload is still delivered to message
subscribers when ForwardResizeReports is set. Any other message passes through
unchanged.

# Usage Example

	host := sandbox.NewHost("plg_01H...", sandbox.Options{
		Config:  sandbox.DefaultConfig(),
		Fetcher: fetcher,
		Logger:  logger,
	})
	host.OnMessage(func(msg any) { log.Println("plugin said", msg) })
	host.Load(sandbox.Source{Code: script}, true, sandbox.AutoResizeBoth)

	if err := host.WaitReady(ctx); err != nil {
		return err
	}
	host.PostMessage(map[string]any{"hello": "plugin"})
*/
package sandbox
