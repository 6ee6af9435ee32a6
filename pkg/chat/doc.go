// Package chat defines the platform-neutral protocol shared by drivers, the
// kernel, and modules: inbound events, command invocations, outbound requests,
// and the proxy-identity contract used to post under a persona.
package chat
