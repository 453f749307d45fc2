//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"github.com/swaggo/swag"
)

// apiTemplate is a trimmed document covering the public routes. The full
// one is produced by swag init from the handler annotations.
const apiTemplate = `{
  "swagger": "2.0",
  "info": {"title": "{{.Title}}", "version": "{{.Version}}", "description": "{{escape .Description}}"},
  "basePath": "{{.BasePath}}",
  "paths": {
    "/health": {"get": {"tags": ["inference"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/status": {"get": {"tags": ["ops"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/v1/generate": {"post": {"tags": ["inference"], "consumes": ["application/json"], "produces": ["application/json"],
      "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}, "429": {"description": "Too Many Requests"}, "500": {"description": "Internal Server Error"}}}},
    "/v1/retrain": {"post": {"tags": ["retrain"], "consumes": ["multipart/form-data"], "produces": ["application/json"],
      "responses": {"200": {"description": "Not requested"}, "202": {"description": "Accepted"}, "400": {"description": "Bad Request"}, "409": {"description": "Conflict"}}}},
    "/v1/retrain/jobs": {"get": {"tags": ["retrain"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}},
    "/v1/retrain/jobs/{id}": {"get": {"tags": ["retrain"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
    "/v1/adapters": {"get": {"tags": ["retrain"], "produces": ["application/json"], "responses": {"200": {"description": "OK"}}}}
  }
}`

var apiSpec = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Title:            "loraserve API",
	Description:      "LoRA adapter inference with background retraining and hot swap.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  apiTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(apiSpec.InstanceName(), apiSpec)
}

// MountSwagger serves the UI under /swagger/.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
}
