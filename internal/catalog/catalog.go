// Package catalog owns the exposed model set, the client-to-upstream model
// routes, and the quota-group derivation that routing and cooldowns key on.
package catalog

import (
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Group is the coarse selection bucket capacity decisions key on. Any
// Gemini-Flash variant shares one bucket, likewise Pro, Claude and image
// models.
type Group string

const (
	GroupFlash  Group = "flash"
	GroupPro    Group = "pro"
	GroupClaude Group = "claude"
	GroupImage  Group = "image"
)

// Groups lists every quota group.
var Groups = []Group{GroupFlash, GroupPro, GroupClaude, GroupImage}

// defaultRoutes maps client-facing model ids onto upstream model ids.
// Entries absent here pass through unchanged.
var defaultRoutes = map[string]string{
	"gemini-2.5-flash":       "gemini-2.5-flash",
	"gemini-2.5-pro":         "gemini-2.5-pro",
	"gemini-3-flash":         "gemini-3-flash-preview",
	"gemini-3-pro":           "gemini-3-pro-preview",
	"gemini-2.5-flash-image": "gemini-2.5-flash-image",
	"claude-sonnet-4-5":      "claude-sonnet-4-5",
	"claude-sonnet-4-6":      "claude-sonnet-4-6",
	"claude-opus-4-5":        "claude-opus-4-5",
	"gpt-4o":                 "gemini-2.5-pro",
	"gpt-4o-mini":            "gemini-2.5-flash",
}

var (
	routesMu sync.RWMutex
	routes   = cloneRoutes(defaultRoutes)
)

func cloneRoutes(src map[string]string) map[string]string {
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// LoadRoutes merges a YAML override file (client-model: upstream-model) over
// the built-in table. Missing file is not an error.
func LoadRoutes(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return err
	}
	routesMu.Lock()
	defer routesMu.Unlock()
	for k, v := range overrides {
		routes[k] = v
	}
	log.Printf("🗺️ Loaded %d model route overrides from %s", len(overrides), path)
	return nil
}

// ResolveModel maps a client model onto the upstream model id, passing
// unknown models through unchanged.
func ResolveModel(clientModel string) string {
	routesMu.RLock()
	defer routesMu.RUnlock()
	if target, ok := routes[clientModel]; ok {
		return target
	}
	return clientModel
}

// ExposedModels lists the client-facing model ids, sorted.
func ExposedModels() []string {
	routesMu.RLock()
	defer routesMu.RUnlock()
	out := make([]string, 0, len(routes))
	for k := range routes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GroupFor derives the quota group of an upstream model. Image wins over
// family so gemini-2.5-flash-image lands in the image bucket.
func GroupFor(upstreamModel string) (Group, bool) {
	m := strings.ToLower(upstreamModel)
	switch {
	case strings.Contains(m, "image"):
		return GroupImage, true
	case strings.Contains(m, "claude"):
		return GroupClaude, true
	case strings.Contains(m, "flash"):
		return GroupFlash, true
	case strings.Contains(m, "pro") && strings.Contains(m, "gemini"):
		return GroupPro, true
	}
	return "", false
}

// SelectionKey resolves a client model to (mapped model, group, key).
// Models in a known family route by group; anything else routes by its raw
// upstream model id.
func SelectionKey(clientModel string) (mapped string, group Group, key string) {
	mapped = ResolveModel(clientModel)
	if g, ok := GroupFor(mapped); ok {
		return mapped, g, "group:" + string(g)
	}
	return mapped, "", mapped
}

// RepresentativeModel is the upstream model whose per-account quota row
// stands in for the whole group in selection queries.
func RepresentativeModel(g Group) string {
	switch g {
	case GroupFlash:
		return "gemini-2.5-flash"
	case GroupPro:
		return "gemini-2.5-pro"
	case GroupClaude:
		return "claude-sonnet-4-6"
	case GroupImage:
		return "gemini-2.5-flash-image"
	}
	return ""
}

// RelevantQuotaModels lists the upstream models whose quota fractions the
// sync writes per-account rows for.
func RelevantQuotaModels() []string {
	out := make([]string, 0, len(Groups))
	for _, g := range Groups {
		out = append(out, RepresentativeModel(g))
	}
	return out
}

// IsImageModel reports whether a model belongs to the image group; image
// quota is tracked but never lowers the aggregate.
func IsImageModel(upstreamModel string) bool {
	g, ok := GroupFor(upstreamModel)
	return ok && g == GroupImage
}

// IsClaudeModel reports whether the upstream model is a Claude variant.
func IsClaudeModel(upstreamModel string) bool {
	return strings.Contains(strings.ToLower(upstreamModel), "claude")
}

// ThinkingByDefault reports whether thinking is enabled for the model even
// without an explicit client request.
func ThinkingByDefault(upstreamModel string) bool {
	m := strings.ToLower(upstreamModel)
	if strings.Contains(m, "gemini-3-pro") {
		return true
	}
	return strings.Contains(m, "claude-opus")
}
