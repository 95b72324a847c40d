// SPDX-License-Identifier: Apache-2.0

// Package schema embeds the JSON schema the operator API validates change
// payloads against before they reach the change detector or DDL executor.
package schema

import (
	"bytes"
	_ "embed"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed change.schema.json
var changeSchema []byte

const changeSchemaURL = "https://qcollector.dev/fieldmigration/change.schema.json"

var compileChange = sync.OnceValue(func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(changeSchema))
	if err != nil {
		panic(err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(changeSchemaURL, doc); err != nil {
		panic(err)
	}
	return c.MustCompile(changeSchemaURL)
})

// Change returns the compiled change schema.
func Change() *jsonschema.Schema {
	return compileChange()
}

// ValidateChange validates one raw change object against the change schema.
func ValidateChange(raw []byte) error {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return Change().Validate(v)
}
