package cli

import (
	"encoding/json"
	"fmt"
	"os"
)

// emitJSON writes v as indented JSON to stdout, or to path when one was
// given. Commands promise structured output, so nothing else goes to
// stdout around it.
func emitJSON(v any, path string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Printf("Results written to: %s\n", path)
	return nil
}
