package protocol

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed envelope.schema.json
var envelopeSchemaJSON string

var envelopeSchema = jsonschema.MustCompileString("envelope.schema.json", envelopeSchemaJSON)

// ValidateFrame checks a raw push frame against the envelope schema before it is decoded.
func ValidateFrame(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("frame is not json: %w", err)
	}
	if err := envelopeSchema.Validate(v); err != nil {
		return fmt.Errorf("frame rejected by schema: %w", err)
	}
	return nil
}
