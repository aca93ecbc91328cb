package route

import (
	"sort"

	"github.com/gin-gonic/gin"
)

// RouterLoader mounts a plugin's routes on the gin engine.
type RouterLoader func(r *gin.Engine) error

// Plugin represents a route plugin. Order determines mount sequence so the
// API surface is deterministic regardless of package init order.
type Plugin struct {
	Order  int
	Loader RouterLoader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Loaders returns all registered route loaders, sorted by order.
func Loaders() []RouterLoader {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	loaders := make([]RouterLoader, len(sorted))
	for i, p := range sorted {
		loaders[i] = p.Loader
	}
	return loaders
}
