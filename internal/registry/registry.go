// Package registry loads the static agent-to-queue mapping from the
// agent control file.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ericroliver/tinyscheduler/internal/logging"
	"github.com/ericroliver/tinyscheduler/internal/model"
	"github.com/ericroliver/tinyscheduler/internal/validate"
)

// maxControlFileBytes bounds the control file before parsing.
const maxControlFileBytes = 10 << 20

// Registry indexes agents by name and by queue (agentType). It is
// immutable after Load; the scheduler reloads only on start.
type Registry struct {
	agents       []model.AgentConfig
	agentsByType map[string][]string
	typeByAgent  map[string]string
}

// Load reads and indexes the agent control file. A missing file returns
// (nil, os.ErrNotExist-wrapped error); callers fall back to legacy mode.
func Load(path string, logger *logging.Logger) (*Registry, error) {
	if err := validate.FileSize(path, maxControlFileBytes); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Decode each entry as a raw map first so unknown fields can be
	// reported instead of silently dropped.
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("agent control file must be a JSON array of objects: %w", err)
	}

	r := &Registry{
		agentsByType: make(map[string][]string),
		typeByAgent:  make(map[string]string),
	}

	for i, entry := range raw {
		agent, err := parseEntry(i, entry, logger)
		if err != nil {
			return nil, err
		}
		if _, dup := r.typeByAgent[agent.AgentName]; dup {
			return nil, fmt.Errorf("duplicate agent name %q in control file", agent.AgentName)
		}
		r.agents = append(r.agents, agent)
		r.agentsByType[agent.AgentType] = append(r.agentsByType[agent.AgentType], agent.AgentName)
		r.typeByAgent[agent.AgentName] = agent.AgentType
	}

	return r, nil
}

// Empty returns a registry with no agents (legacy mode).
func Empty() *Registry {
	return &Registry{
		agentsByType: make(map[string][]string),
		typeByAgent:  make(map[string]string),
	}
}

func parseEntry(i int, entry map[string]json.RawMessage, logger *logging.Logger) (model.AgentConfig, error) {
	var agent model.AgentConfig

	nameRaw, ok := entry["agentName"]
	if !ok {
		return agent, fmt.Errorf("entry %d: missing required field 'agentName'", i)
	}
	typeRaw, ok := entry["agentType"]
	if !ok {
		return agent, fmt.Errorf("entry %d: missing required field 'agentType'", i)
	}
	if err := json.Unmarshal(nameRaw, &agent.AgentName); err != nil {
		return agent, fmt.Errorf("entry %d: agentName must be a string: %w", i, err)
	}
	if err := json.Unmarshal(typeRaw, &agent.AgentType); err != nil {
		return agent, fmt.Errorf("entry %d: agentType must be a string: %w", i, err)
	}
	if _, err := validate.AgentName(agent.AgentName); err != nil {
		return agent, fmt.Errorf("entry %d: %w", i, err)
	}
	if _, err := validate.Identifier(agent.AgentType, "agentType"); err != nil {
		return agent, fmt.Errorf("entry %d: %w", i, err)
	}

	var unknown []string
	for k := range entry {
		if k != "agentName" && k != "agentType" {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		logger.Warnf("agent %q has unexpected fields: %v", agent.AgentName, unknown)
	}

	return agent, nil
}

// IsEmpty reports whether no agents are registered.
func (r *Registry) IsEmpty() bool {
	return len(r.agents) == 0
}

// AgentsByQueue returns the agent names mapped to a queue.
func (r *Registry) AgentsByQueue(queue string) []string {
	return r.agentsByType[queue]
}

// QueueForAgent returns the queue an agent serves, or "" if unknown.
func (r *Registry) QueueForAgent(agent string) string {
	return r.typeByAgent[agent]
}

// Queues returns all queue names, sorted for deterministic iteration.
func (r *Registry) Queues() []string {
	queues := make([]string, 0, len(r.agentsByType))
	for q := range r.agentsByType {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues
}

// AgentNames returns all agent names in control-file order.
func (r *Registry) AgentNames() []string {
	names := make([]string, 0, len(r.agents))
	for _, a := range r.agents {
		names = append(names, a.AgentName)
	}
	return names
}
