// Package api holds the embedded OpenAPI document for the status server.
package api

import _ "embed"

//go:embed openapi.yaml
var OpenAPISpec []byte
