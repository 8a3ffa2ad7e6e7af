package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tributary-ai/task-router/internal/middleware"
)

// setupSwaggerRoutes sets up the OpenAPI document and Swagger UI routes
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	r.HandleFunc("/openapi.json", s.handleOpenAPIJSON).Methods("GET")
	r.HandleFunc("/openapi.yaml", s.handleOpenAPIYAML).Methods("GET")

	r.HandleFunc("/docs", s.serveSwaggerIndex).Methods("GET")
	r.HandleFunc("/docs/", s.serveSwaggerIndex).Methods("GET")
}

// handleOpenAPIJSON serves the OpenAPI document the validator enforces
func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	data, err := s.validator.Document().MarshalJSON()
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal OpenAPI document")
		http.Error(w, "Error converting to JSON", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(data)
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/yaml")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(middleware.Spec())
}

// swaggerIndex loads the UI bundle and points it at the served document
const swaggerIndex = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Task Router API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({url: '/openapi.json', dom_id: '#swagger-ui', docExpansion: 'list', validatorUrl: null});
  </script>
</body>
</html>`

func (s *Server) serveSwaggerIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(swaggerIndex))
}
