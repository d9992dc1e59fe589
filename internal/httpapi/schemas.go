package httpapi

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var validationPrinter = message.NewPrinter(language.English)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaInboundEvent     = "inbound_event.json"
	schemaOutboundEvent    = "outbound_event.json"
	schemaReplyLockAcquire = "reply_lock_acquire.json"
	schemaBrand            = "brand.json"
	schemaChannel          = "channel.json"
)

type bodySchemas struct {
	byName map[string]*jsonschema.Schema
}

func compileBodySchemas() (*bodySchemas, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("schema %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}
	out := &bodySchemas{byName: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		compiled, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out.byName[name] = compiled
	}
	return out, nil
}

// validate checks body against the named schema and returns a message fit for
// a 400 response.
func (s *bodySchemas) validate(name string, body []byte) error {
	schema, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errors.New("invalid json body")
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("invalid request body: %s", describeValidation(verr))
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// describeValidation reports the first leaf cause, which names the offending
// field.
func describeValidation(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return "/" + strings.Join(verr.InstanceLocation, "/") + ": " + verr.ErrorKind.LocalizedString(validationPrinter)
}
