// Package docs registers the OpenAPI description of the gateway with swag.
// Regenerate with: swag init -g internal/gateway/gateway.go -o internal/gateway/docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/shows": {
            "get": {
                "produces": ["application/json"],
                "tags": ["shows"],
                "summary": "List sessions",
                "parameters": [
                    {"type": "string", "description": "Filter by status", "name": "status", "in": "query"},
                    {"type": "string", "description": "Filter by channel", "name": "channel", "in": "query"},
                    {"type": "integer", "default": 50, "description": "Maximum results", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.ListResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/gateway.ErrorResponse"}}
                }
            }
        },
        "/api/v1/shows/generate": {
            "post": {
                "description": "Creates a generation session and runs the pipeline in the background.\nSmall requests that finish within the synchronous window return the result directly.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["shows"],
                "summary": "Generate a broadcast",
                "parameters": [
                    {"description": "Generation parameters", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/gateway.GenerateRequest"}}
                ],
                "responses": {
                    "200": {"description": "Finished within the synchronous window", "schema": {"$ref": "#/definitions/gateway.SyncResponse"}},
                    "202": {"description": "Session accepted", "schema": {"$ref": "#/definitions/gateway.AcceptedResponse"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/gateway.ErrorResponse"}},
                    "503": {"description": "Orchestrator overloaded", "schema": {"$ref": "#/definitions/gateway.ErrorResponse"}}
                }
            }
        },
        "/api/v1/shows/{session_id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["shows"],
                "summary": "Get a session",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "session_id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.SessionView"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/gateway.ErrorResponse"}}
                }
            }
        },
        "/api/v1/shows/{session_id}/cancel": {
            "post": {
                "description": "The pipeline stops at the next stage boundary and the session fails with kind Cancelled.",
                "produces": ["application/json"],
                "tags": ["shows"],
                "summary": "Cancel a session",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "session_id", "in": "path", "required": true}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/gateway.CancelResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/gateway.ErrorResponse"}},
                    "409": {"description": "Session already finished", "schema": {"$ref": "#/definitions/gateway.ErrorResponse"}}
                }
            }
        },
        "/api/v1/shows/{session_id}/events": {
            "get": {
                "tags": ["shows"],
                "summary": "Stream session events",
                "parameters": [
                    {"type": "string", "description": "Session ID", "name": "session_id", "in": "path", "required": true}
                ],
                "responses": {
                    "101": {"description": "WebSocket stream of snapshot and transition frames", "schema": {"$ref": "#/definitions/gateway.StreamMessage"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/gateway.ErrorResponse"}}
                }
            }
        },
        "/health": {
            "get": {
                "description": "Healthy only while every mandatory downstream service is healthy.",
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Readiness",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/gateway.HealthResponse"}}
                }
            }
        },
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Liveness",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.HealthResponse"}}
                }
            }
        },
        "/services/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Downstream service status",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/gateway.ServicesResponse"}}
                }
            }
        }
    },
    "definitions": {
        "gateway.AcceptedResponse": {
            "type": "object",
            "properties": {
                "session_id": {"type": "string"},
                "status": {"type": "string", "example": "processing"}
            }
        },
        "gateway.CancelResponse": {
            "type": "object",
            "properties": {
                "cancel_requested": {"type": "boolean"},
                "session_id": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "gateway.ErrorResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"}
            }
        },
        "gateway.ErrorView": {
            "type": "object",
            "properties": {
                "kind": {"type": "string"},
                "message": {"type": "string"},
                "retryable": {"type": "boolean"},
                "stage": {"type": "string"}
            }
        },
        "gateway.GenerateRequest": {
            "type": "object",
            "required": ["channel", "language", "news_count"],
            "properties": {
                "channel": {"type": "string", "example": "zurich"},
                "language": {"type": "string", "example": "de"},
                "news_count": {"type": "integer", "example": 3},
                "speakers": {"type": "array", "items": {"type": "string"}}
            }
        },
        "gateway.HealthResponse": {
            "type": "object",
            "properties": {
                "failing": {"type": "array", "items": {"type": "string"}},
                "status": {"type": "string", "example": "healthy"}
            }
        },
        "gateway.ListResponse": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "sessions": {"type": "array", "items": {"$ref": "#/definitions/session.Summary"}}
            }
        },
        "gateway.ServicesResponse": {
            "type": "object",
            "properties": {
                "ready": {"type": "boolean"},
                "services": {"type": "object", "additionalProperties": {"$ref": "#/definitions/health.ServiceHealth"}}
            }
        },
        "gateway.SessionView": {
            "type": "object",
            "properties": {
                "cancel_requested": {"type": "boolean"},
                "created_at": {"type": "string"},
                "error": {"$ref": "#/definitions/gateway.ErrorView"},
                "request_params": {"$ref": "#/definitions/session.Params"},
                "session_id": {"type": "string"},
                "stage_results": {"type": "object", "additionalProperties": {"$ref": "#/definitions/session.Ref"}},
                "status": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "gateway.StreamMessage": {
            "type": "object",
            "properties": {
                "event": {"$ref": "#/definitions/session.Event"},
                "session": {"$ref": "#/definitions/gateway.SessionView"},
                "type": {"type": "string"}
            }
        },
        "gateway.SyncResponse": {
            "type": "object",
            "properties": {
                "result": {"$ref": "#/definitions/gateway.SessionView"},
                "session_id": {"type": "string"},
                "status": {"type": "string", "example": "success"}
            }
        },
        "health.ServiceHealth": {
            "type": "object",
            "properties": {
                "call_failures": {"type": "integer"},
                "circuit_breaker": {"type": "string"},
                "consecutive_failures": {"type": "integer"},
                "last_checked_at": {"type": "string"},
                "last_error": {"type": "string"},
                "mandatory": {"type": "boolean"},
                "service_name": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "session.Error": {
            "type": "object",
            "properties": {
                "kind": {"type": "string"},
                "message": {"type": "string"},
                "stage": {"type": "string"}
            }
        },
        "session.Event": {
            "type": "object",
            "properties": {
                "at": {"type": "string"},
                "error": {"$ref": "#/definitions/session.Error"},
                "from": {"type": "string"},
                "session_id": {"type": "string"},
                "to": {"type": "string"}
            }
        },
        "session.Params": {
            "type": "object",
            "properties": {
                "channel": {"type": "string"},
                "language": {"type": "string"},
                "news_count": {"type": "integer"},
                "speakers": {"type": "array", "items": {"type": "string"}}
            }
        },
        "session.Ref": {
            "type": "object",
            "properties": {
                "count": {"type": "integer"},
                "duration_seconds": {"type": "number"},
                "id": {"type": "string"},
                "uri": {"type": "string"}
            }
        },
        "session.Summary": {
            "type": "object",
            "properties": {
                "channel": {"type": "string"},
                "created_at": {"type": "string"},
                "error_kind": {"type": "string"},
                "id": {"type": "string"},
                "language": {"type": "string"},
                "news_count": {"type": "integer"},
                "status": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "showrunner API",
	Description:      "Broadcast generation orchestrator.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
