package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pysugar/antigravity-relay/internal/catalog"
)

// OpenAIModelsHandler serves GET /v1/models.
func OpenAIModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type model struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Created int64  `json:"created"`
			OwnedBy string `json:"owned_by"`
		}
		created := time.Now().Unix()
		models := catalog.ExposedModels()
		data := make([]model, 0, len(models))
		for _, id := range models {
			data = append(data, model{ID: id, Object: "model", Created: created, OwnedBy: "antigravity-relay"})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}

// GeminiModelsHandler serves GET /v1beta/models.
func GeminiModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type model struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		}
		models := catalog.ExposedModels()
		data := make([]model, 0, len(models))
		for _, id := range models {
			data = append(data, model{
				Name:                       "models/" + id,
				DisplayName:                id,
				SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent"},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"models": data})
	}
}
