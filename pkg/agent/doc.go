// Package agent runs the reasoning loop that turns an inbound chat message
// into a reply, calling tools on the model's behalf.
//
// Invariants:
// - The user turn is persisted before the model is called.
// - Messages of one user run one at a time through a commandqueue lane.
// - Tool calls route through toolexecutor only; tool failures never abort a run.
// - At most Config.MaxCycles tool cycles run per message.
//
// Usage:
//
//	gw, _ := agent.NewGateway(ctx, agent.GatewayConfig{Provider: "anthropic", Model: "...", APIKey: key})
//	o, _ := agent.NewOrchestrator(agent.Deps{Store: store, Executor: exec, Gateway: gw}, agent.DefaultConfig())
//	reply, err := o.HandleMessage(ctx, "U123", "remove my shift on 2025-07-01")
package agent
