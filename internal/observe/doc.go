// Package observe exposes an agent.Model to presentation clients over a
// websocket.
//
// A client connects to /ws and exchanges JSON messages. Every inbound
// message has a type and usually a path; an optional id is echoed in the
// reply:
//
//	{"type":"subscribe","id":"1","path":"Breakpoints"}
//	{"type":"get","id":"2","path":"Breakpoints[3]"}
//	{"type":"disable","id":"3","path":"Breakpoints[3]"}
//	{"type":"focus","id":"4","path":"Processes[10].Threads[1]"}
//
// Replies are "result" or "error" messages. Change notifications for
// subscribed subtrees arrive as "event" messages:
//
//	{"type":"event","path":"Breakpoints[3]","event":"attributes","seq":4,
//	 "reason":"requested","attributes":{"Enabled":false}}
//
// Reads served by get use cached state only. Node-valued attributes are
// sent as {"ref":"<path>"}.
package observe
