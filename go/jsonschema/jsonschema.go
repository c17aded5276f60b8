// Package jsonschema validates JSON documents against JSON Schema files that
// are shipped with the binary via go:embed.
package jsonschema

import (
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"go.engram.dev/engram/go/skerr"
)

// ErrSchemaViolation is returned from Validate if the document doesn't conform
// to the schema.
var ErrSchemaViolation = errors.New("schema violation")

// Validate returns nil if the document represents a JSON body that conforms to
// the schema. If the returned error is ErrSchemaViolation then the slice of
// strings contains the list of schema violations.
func Validate(document, schema []byte) ([]string, error) {
	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(document)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, skerr.Wrapf(err, "failed while validating")
	}
	if len(result.Errors()) > 0 {
		formattedResults := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			formattedResults[i] = fmt.Sprintf("%d: %s", i, e.String())
		}
		return formattedResults, ErrSchemaViolation
	}
	return nil, nil
}
