package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/create_policy.json
var createPolicySchemaJSON string

var createPolicySchema = jsonschema.MustCompileString("https://enterprise-access/schemas/create_policy.json", createPolicySchemaJSON)

// validateCreateBody checks a raw create request against the request schema
// before it is decoded.
func validateCreateBody(body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := createPolicySchema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}
