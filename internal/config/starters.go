package config

import "github.com/basket/go-fleet/internal/agents"

// StarterAgentURL is where cmd/fake-agent listens by default.
const StarterAgentURL = "http://127.0.0.1:18791"

// StarterEndpoints returns one endpoint per default agent, all served by a
// local fake-agent process. Used only when agents.mode is http and no
// endpoints are configured.
func StarterEndpoints() []AgentEndpoint {
	out := make([]AgentEndpoint, 0, len(agents.DefaultAgentNames))
	for _, name := range agents.DefaultAgentNames {
		out = append(out, AgentEndpoint{Name: name, URL: StarterAgentURL + "/" + name})
	}
	return out
}
