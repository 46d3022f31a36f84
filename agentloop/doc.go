// Package agentloop runs an autonomous coding agent against a workspace.
//
// A Session owns one run. Each iteration it compresses the conversation to
// the token budget, asks the model for the next step through an LLMAdapter,
// and sends the proposed tool calls to a Dispatcher. Results are appended in
// request order and the loop continues until the model answers without tool
// calls or a limit is reached.
//
// # Components
//
//   - ConversationState: the append-only message store with a running
//     token count.
//   - Compressor: fits messages into a budget by summarizing old tool
//     results and evicting whole turns, never touching pinned messages.
//   - Dispatcher: validates a ToolCallRequest and executes it in-process
//     (LocalExecutor) or on a sandbox server (RemoteExecutor). Both modes
//     return the same ToolCallResult envelope.
//   - LLMAdapter: converts the conversation to a unifiedllm.Request and the
//     response to a Proposal, draining streams when configured.
//   - Recorder: persists the trajectory as JSONL for replay.
//
// # Usage
//
//	env, _ := agentloop.NewLocalExecutionEnvironment("/path/to/repo")
//	registry, _ := agentloop.NewCoreRegistry(agentloop.CoreToolOptions{})
//	dispatcher, _ := agentloop.NewDispatcher(agentloop.DefaultDispatcherConfig(), registry, env)
//	llm := agentloop.NewLLMAdapter(client, agentloop.LLMConfig{Model: "gpt-4o"}, logger)
//	session, _ := agentloop.NewSession(agentloop.DefaultSessionConfig(), nil, llm, dispatcher)
//
//	result, _ := session.Run(ctx, "fix the off-by-one in pager.go")
//	fmt.Println(result.State, result.Reason, result.FinalAnswer)
package agentloop
