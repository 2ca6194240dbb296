// Command schema generates the json schema for the schedule yaml file,
// used by editors for validation and completion.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/legal-hkr/comfychair/app/schedule"
)

func main() {
	schema := jsonschema.Reflect(&schedule.Config{})
	schema.Title = "Comfychair Schedule Configuration Schema"
	schema.Description = "Schema for the comfychair scheduled submissions file"
	schema.Version = "1.0.0"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal schema: %v", err)
	}

	outputPath := "schema.json"
	if len(os.Args) > 1 {
		outputPath = os.Args[1]
	}

	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		log.Fatalf("failed to write schema file: %v", err)
	}

	fmt.Printf("schema generated at %s\n", outputPath)
}
