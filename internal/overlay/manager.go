package overlay

import (
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/bryanchriswhite/LoopCam/internal/logger"
	"github.com/bryanchriswhite/LoopCam/internal/transform"
)

// Manager holds overlay layers and renders them in z order
type Manager struct {
	layers  map[string]Layer
	mu      sync.RWMutex
	enabled bool
}

// NewManager creates a new overlay manager
func NewManager() *Manager {
	return &Manager{
		layers:  make(map[string]Layer),
		enabled: true,
	}
}

// AddLayer adds a layer to the overlay
func (m *Manager) AddLayer(layer Layer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.layers[layer.ID()]; exists {
		return fmt.Errorf("layer with ID %s already exists", layer.ID())
	}

	m.layers[layer.ID()] = layer
	logger.WithComponent("overlay").Info().
		Str("id", layer.ID()).
		Str("type", layer.Type()).
		Int("z", layer.Z()).
		Msg("Added layer")
	return nil
}

// RemoveLayer removes a layer from the overlay
func (m *Manager) RemoveLayer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.layers[id]; !exists {
		return fmt.Errorf("layer with ID %s not found", id)
	}

	delete(m.layers, id)
	logger.WithComponent("overlay").Info().Str("id", id).Msg("Removed layer")
	return nil
}

// GetLayer retrieves a layer by ID
func (m *Manager) GetLayer(id string) (Layer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	layer, exists := m.layers[id]
	return layer, exists
}

// GetAllLayers returns all layers in draw order
func (m *Manager) GetAllLayers() []Layer {
	m.mu.RLock()
	layers := make([]Layer, 0, len(m.layers))
	for _, layer := range m.layers {
		layers = append(layers, layer)
	}
	m.mu.RUnlock()

	sortLayers(layers)
	return layers
}

// UpdateLayer updates a layer's configuration
func (m *Manager) UpdateLayer(id string, config map[string]interface{}) error {
	m.mu.RLock()
	layer, exists := m.layers[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("layer with ID %s not found", id)
	}

	if err := layer.UpdateConfig(config); err != nil {
		return fmt.Errorf("failed to update layer config: %w", err)
	}

	logger.WithComponent("overlay").Info().Str("id", id).Msg("Updated layer")
	return nil
}

// SetEnabled enables or disables the entire overlay
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	logger.WithComponent("overlay").Info().Bool("enabled", enabled).Msg("Overlay toggled")
}

// IsEnabled returns whether the overlay is enabled
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Render draws all enabled layers onto img, lowest z first. A failing layer
// is logged and skipped so one bad layer cannot drop the frame.
func (m *Manager) Render(img *image.RGBA, params transform.Params) error {
	if !m.IsEnabled() {
		return nil
	}

	for _, layer := range m.GetAllLayers() {
		if !layer.IsEnabled() {
			continue
		}
		if err := layer.Render(img, params); err != nil {
			logger.WithComponent("overlay").Warn().
				Err(err).
				Str("id", layer.ID()).
				Msg("Failed to render layer")
		}
	}

	return nil
}

// CreateLayer creates a new layer instance from configuration
func (m *Manager) CreateLayer(layerType string, id string, config map[string]interface{}) (Layer, error) {
	var layer Layer
	var err error

	switch layerType {
	case "rings":
		layer, err = NewRingsLayer(id, config)
	case "text":
		layer, err = NewTextLayer(id, config)
	default:
		return nil, fmt.Errorf("unknown layer type: %s", layerType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s layer: %w", layerType, err)
	}

	return layer, nil
}

// LoadFromConfig creates layers from their configuration maps. Invalid
// entries are logged and skipped.
func (m *Manager) LoadFromConfig(configs []map[string]interface{}) error {
	log := logger.WithComponent("overlay")

	for _, config := range configs {
		layerType, ok := config["type"].(string)
		if !ok {
			log.Warn().Msg("Skipping layer with missing type")
			continue
		}

		id, ok := config["id"].(string)
		if !ok {
			log.Warn().Str("type", layerType).Msg("Skipping layer with missing ID")
			continue
		}

		layer, err := m.CreateLayer(layerType, id, config)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Failed to create layer")
			continue
		}

		if err := m.AddLayer(layer); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("Failed to add layer")
		}
	}

	return nil
}

// ExportConfig exports all layer configurations in draw order
func (m *Manager) ExportConfig() []map[string]interface{} {
	layers := m.GetAllLayers()
	configs := make([]map[string]interface{}, 0, len(layers))
	for _, layer := range layers {
		configs = append(configs, layer.GetConfig())
	}
	return configs
}

// Clear removes all layers
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = make(map[string]Layer)
	logger.WithComponent("overlay").Info().Msg("Cleared all layers")
}

// GetAvailableLayerTypes describes the layer types CreateLayer accepts
func (m *Manager) GetAvailableLayerTypes() []map[string]interface{} {
	return []map[string]interface{}{
		{
			"type":        "rings",
			"name":        "Spiral Rings",
			"description": "Drifting discs filled with an animated spiral",
			"config_schema": map[string]interface{}{
				"count":          "int (default: 11)",
				"radius":         "float (pixels, default: 180)",
				"scale":          "float (spiral density, default: 30)",
				"rotation_speed": "float (default: -1.5)",
				"pulse_speed":    "float (default: 3)",
				"z":              "int (draw order)",
				"opacity":        "float (0.0-1.0)",
				"enabled":        "bool",
			},
		},
		{
			"type":        "text",
			"name":        "Text Label",
			"description": "Display text; {time}, {tick} and parameter names are substituted",
			"config_schema": map[string]interface{}{
				"text":       "string (required)",
				"x":          "int (position)",
				"y":          "int (position)",
				"z":          "int (draw order)",
				"opacity":    "float (0.0-1.0)",
				"enabled":    "bool",
				"color":      "object {r, g, b, a}",
				"background": "object {r, g, b, a} (optional)",
				"padding":    "int",
			},
		},
	}
}

// sortLayers orders by z, then ID for a stable order among equals
func sortLayers(layers []Layer) {
	sort.SliceStable(layers, func(i, j int) bool {
		zi, zj := layers[i].Z(), layers[j].Z()
		if zi != zj {
			return zi < zj
		}
		return layers[i].ID() < layers[j].ID()
	})
}
